package core

import (
	"math"
	"testing"

	"github.com/umahmood/haversine"

	"github.com/signalsfoundry/contact-trace/model"
)

func pt(lon, lat float64) model.Point {
	return model.Point{Longitude: lon, Latitude: lat}
}

func dms(deg, min, sec float64) float64 {
	sign := 1.0
	if deg < 0 {
		sign = -1
		deg = -deg
	}
	return sign * (deg + min/60 + sec/3600)
}

func TestHaversineSymmetricAndZero(t *testing.T) {
	pairs := [][2]model.Point{
		{pt(0, 0), pt(0.001, 0.001)},
		{pt(121.47, 31.23), pt(121.48, 31.22)},
		{pt(-73.98, 40.75), pt(2.35, 48.86)},
		{pt(179.9, -10), pt(-179.9, -10)},
	}
	for _, p := range pairs {
		ab := HaversineDistance(p[0], p[1])
		ba := HaversineDistance(p[1], p[0])
		if math.Abs(ab-ba) > 1e-6 {
			t.Errorf("asymmetric distance %v <-> %v: %f vs %f", p[0], p[1], ab, ba)
		}
		if d := HaversineDistance(p[0], p[0]); d != 0 {
			t.Errorf("distance to self for %v = %f, want 0", p[0], d)
		}
	}
}

func TestHaversineMatchesReferenceLibrary(t *testing.T) {
	a := pt(121.4737, 31.2304)
	b := pt(121.5055, 31.2425)

	_, km := haversine.Distance(
		haversine.Coord{Lat: a.Latitude, Lon: a.Longitude},
		haversine.Coord{Lat: b.Latitude, Lon: b.Longitude},
	)
	got := HaversineDistance(a, b)
	want := km * 1000
	if rel := math.Abs(got-want) / want; rel > 1e-5 {
		t.Fatalf("HaversineDistance = %f m, reference = %f m (rel err %g)", got, want, rel)
	}
}

func TestHaversineShortHop(t *testing.T) {
	d := HaversineDistance(pt(0, 0), pt(0.001, 0.001))
	if d < 157 || d > 158 {
		t.Fatalf("distance = %f, want ~157m", d)
	}
}

func TestPlaneDistanceCloseToHaversine(t *testing.T) {
	a := pt(2.3522, 48.8566)
	b := pt(-0.1276, 51.5072)
	plane := PlaneDistance(a, b)
	hav := HaversineDistance(a, b)
	if rel := math.Abs(plane-hav) / hav; rel > 1e-3 {
		t.Fatalf("plane %f vs haversine %f differ by %g", plane, hav, rel)
	}
}

func TestPlaneDistanceClampsIdenticalPoints(t *testing.T) {
	// Rounding in sin^2 + cos^2 may leave a sub-metre residue, never NaN.
	for _, p := range []model.Point{pt(0, 0), pt(121.4737, 31.2304), pt(-45.123456, -12.654321)} {
		d := PlaneDistance(p, p)
		if math.IsNaN(d) || d > 0.5 {
			t.Errorf("PlaneDistance(%v, %v) = %v, want ~0", p, p, d)
		}
	}
}

func TestVincentyIdenticalPointsShortCircuit(t *testing.T) {
	p := pt(121.4737, 31.2304)
	d, iterations := vincenty(p, p, vincentyMaxIterations)
	if d != 0 {
		t.Fatalf("distance = %v, want exactly 0", d)
	}
	if iterations != 0 {
		t.Fatalf("iterations = %d, want 0", iterations)
	}
	if got := VincentyDistance(p, p); got != 0 {
		t.Fatalf("VincentyDistance = %v, want 0", got)
	}
}

func TestVincentyKnownGeodesic(t *testing.T) {
	// Flinders Peak to Buninyong, the textbook example for the inverse problem.
	flinders := pt(dms(144, 25, 29.52440), dms(-37, 57, 3.72030))
	buninyong := pt(dms(143, 55, 35.38390), dms(-37, 39, 10.15610))

	d := VincentyDistance(flinders, buninyong)
	if math.Abs(d-54972.271) > 0.01 {
		t.Fatalf("VincentyDistance = %.4f, want 54972.271", d)
	}
}

func TestVincentyEquatorialLine(t *testing.T) {
	d := VincentyDistance(pt(0, 0), pt(1, 0))
	if math.IsNaN(d) {
		t.Fatalf("equatorial distance should not be NaN")
	}
	// One degree of longitude along the WGS-84 equator.
	if math.Abs(d-111319.49) > 0.5 {
		t.Fatalf("equatorial distance = %f, want ~111319.49", d)
	}
}

func TestVincentyNonConvergenceIsNaN(t *testing.T) {
	d, iterations := vincenty(pt(0, 0), pt(10, 10), 1)
	if !math.IsNaN(d) {
		t.Fatalf("expected NaN when the iteration cap is exhausted, got %f", d)
	}
	if iterations != 1 {
		t.Fatalf("iterations = %d, want 1", iterations)
	}
	if Within(d, math.Inf(1)) {
		t.Fatalf("NaN distance must never be within range")
	}
}

func TestAlgorithmsAgreeOnShortDistances(t *testing.T) {
	a := pt(121.4737, 31.2304)
	b := pt(121.4760, 31.2318)
	hav := AlgorithmHaversine.Distance(a, b)
	for _, alg := range []Algorithm{AlgorithmPlane, AlgorithmVincenty} {
		d := alg.Distance(a, b)
		if rel := math.Abs(d-hav) / hav; rel > 5e-3 {
			t.Errorf("%s distance %f deviates from haversine %f by %g", alg, d, hav, rel)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"":          AlgorithmHaversine,
		"Haversine": AlgorithmHaversine,
		"plane":     AlgorithmPlane,
		"geometric": AlgorithmPlane,
		" vincenty": AlgorithmVincenty,
	}
	for in, want := range cases {
		got, err := ParseAlgorithm(in)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAlgorithm(%q) = %s, want %s", in, got, want)
		}
		if back, _ := ParseAlgorithm(got.String()); back != got {
			t.Errorf("round trip of %s gave %s", got, back)
		}
	}
	if _, err := ParseAlgorithm("manhattan"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}

func TestWithinIsInclusive(t *testing.T) {
	if !Within(250, 250) {
		t.Fatalf("distance equal to threshold must be in range")
	}
	if Within(250.0000001, 250) {
		t.Fatalf("distance above threshold must be out of range")
	}
}
