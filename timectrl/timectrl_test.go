package timectrl

import (
	"testing"
	"time"
)

func TestManualClockSetTimeAndAdvance(t *testing.T) {
	start := time.Date(2007, time.February, 20, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	newNow := start.Add(42 * time.Second)
	c.SetTime(newNow)
	if got := c.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}

	c.Advance(3 * time.Second)
	if got := c.Now(); !got.Equal(newNow.Add(3 * time.Second)) {
		t.Fatalf("Now() after Advance = %v", got)
	}
}

func TestPhaseTimerRecordsPhasesInOrder(t *testing.T) {
	c := NewManualClock(time.Date(2007, time.February, 20, 0, 0, 0, 0, time.UTC))
	pt := NewPhaseTimer(c)

	stop := pt.Start("load")
	c.Advance(2 * time.Second)
	if d := stop(); d != 2*time.Second {
		t.Fatalf("load duration = %v, want 2s", d)
	}

	stop = pt.Start("generate")
	c.Advance(5 * time.Second)
	stop()
	c.Advance(time.Hour)
	if d := stop(); d != 5*time.Second {
		t.Fatalf("second stop call should return the first measurement, got %v", d)
	}

	phases := pt.Phases()
	if len(phases) != 2 || phases[0].Name != "load" || phases[1].Name != "generate" {
		t.Fatalf("phases = %+v", phases)
	}
	if pt.Total() != 7*time.Second {
		t.Fatalf("Total() = %v, want 7s", pt.Total())
	}
}

func TestPhaseTimerNotifiesListeners(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	pt := NewPhaseTimer(c)

	var got []PhaseTiming
	pt.AddListener(func(p PhaseTiming) { got = append(got, p) })

	stop := pt.Start("save")
	c.Advance(250 * time.Millisecond)
	stop()

	if len(got) != 1 || got[0].Name != "save" || got[0].Duration != 250*time.Millisecond {
		t.Fatalf("listener received %+v", got)
	}
	if !got[0].Started.Equal(time.Unix(0, 0)) {
		t.Fatalf("Started = %v", got[0].Started)
	}
}

func TestPhaseTimerDefaultsToRealClock(t *testing.T) {
	pt := NewPhaseTimer(nil)
	stop := pt.Start("noop")
	if d := stop(); d < 0 {
		t.Fatalf("real clock produced negative duration %v", d)
	}
}
