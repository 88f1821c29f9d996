package traceio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/contact-trace/core"
	"github.com/signalsfoundry/contact-trace/kb"
	"github.com/signalsfoundry/contact-trace/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type fakeMetrics struct {
	mu          sync.Mutex
	files       int
	records     int
	parseFields []string
}

func (m *fakeMetrics) ObserveFile(records int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files++
	m.records += records
}

func (m *fakeMetrics) IncParseErrors(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseFields = append(m.parseFields, field)
}

func TestParseLine(t *testing.T) {
	rec, err := ParseLine("10001, 2007-02-20 00:00:49, 121.4628, 31.2306 , 27, 180, 1", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(10001), rec.VehicleID)
	assert.Equal(t, time.Date(2007, 2, 20, 0, 0, 49, 0, time.UTC), rec.Timestamp)
	assert.InDelta(t, 121.4628, rec.Longitude, 1e-12)
	assert.InDelta(t, 31.2306, rec.Latitude, 1e-12)
	assert.Equal(t, int32(27), rec.Speed)
	assert.Equal(t, int32(180), rec.Heading)
	assert.Equal(t, int32(1), rec.Status)
}

func TestParseLineUsesLocation(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	rec, err := ParseLine("1,2007-02-20 08:00:00,0,0,0,0,0", shanghai)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2007, 2, 20, 0, 0, 0, 0, time.UTC).Unix(), rec.Timestamp.Unix())
}

func TestParseLineAcceptsQuotedTimestamp(t *testing.T) {
	line := `1, "2007-02-20 00:00:00", 0, 0, 0, 0, 0`

	rec, err := ParseLine(line, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2007, 2, 20, 0, 0, 0, 0, time.UTC), rec.Timestamp)

	ix := kb.NewCoordinateIndex()
	_, err = Parse("trace.txt", strings.NewReader(line+"\n"), ix, Options{})
	require.NoError(t, err)
	stored, ok := ix.Get(rec.Key())
	require.True(t, ok)
	assert.Equal(t, rec, stored, "ParseLine and Parse agree on the same line")
}

func TestParseLineErrors(t *testing.T) {
	_, err := ParseLine("1,2007-02-20 00:00:00,0,north,0,0,0", nil)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrParse)
	assert.Equal(t, "<line>", perr.Path)
	assert.Equal(t, 1, perr.Line)
	assert.Equal(t, "latitude", perr.Field)

	_, err = ParseLine("   ", nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Line)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		line  int
		field string
	}{
		{"bad vehicle", "x,2007-02-20 00:00:00,0,0,0,0,0\n", 1, "vehicle"},
		{"bad timestamp", "1,2007-02-20,0,0,0,0,0\n", 1, "timestamp"},
		{"bad longitude", "1,2007-02-20 00:00:00,east,0,0,0,0\n", 1, "longitude"},
		{"bad latitude", "1,2007-02-20 00:00:00,0,,0,0,0\n", 1, "latitude"},
		{"bad status", "1,2007-02-20 00:00:00,0,0,0,0,on\n", 1, "status"},
		{"field count", "1,2007-02-20 00:00:00,0,0\n", 1, ""},
		{"second line", "1,2007-02-20 00:00:00,0,0,0,0,0\n2,2007-02-20 00:00:00,0,0,0,0\n", 2, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("trace.txt", strings.NewReader(tc.body), kb.NewCoordinateIndex(), Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "trace.txt", perr.Path)
			assert.Equal(t, tc.line, perr.Line)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestParseSkipsBlankLinesAndAcceptsQuotes(t *testing.T) {
	body := "\n1, \"2007-02-20 00:00:00\", 0, 0, 0, 0, 0\n   \n2,2007-02-20 00:00:10,0.001,0.001,0,0,0\n"
	ix := kb.NewCoordinateIndex()
	stats, err := Parse("trace.txt", strings.NewReader(body), ix, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 2, ix.Len())
}

func TestParseCountsDuplicates(t *testing.T) {
	body := "1,2007-02-20 00:00:00,1,1,0,0,0\n1,2007-02-20 00:00:00,2,2,0,0,0\n"
	ix := kb.NewCoordinateIndex()

	stats, err := Parse("trace.txt", strings.NewReader(body), ix, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, ix.Len())
}

func TestParseSealedIndex(t *testing.T) {
	ix := kb.NewCoordinateIndex()
	ix.Seal()
	_, err := Parse("trace.txt", strings.NewReader("1,2007-02-20 00:00:00,0,0,0,0,0\n"), ix, Options{})
	assert.ErrorIs(t, err, kb.ErrIndexSealed)
}

func TestLoadDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1,2007-02-20 00:00:00,0,0,0,0,0\n")
	writeFile(t, dir, "sub/b.txt", "2,2007-02-20 00:00:10,0.001,0.001,0,0,0\n")
	writeFile(t, dir, "sub/deeper/c.txt", "3,2007-02-20 00:00:50,10,10,0,0,0\n")

	m := &fakeMetrics{}
	ix := kb.NewCoordinateIndex()
	stats, err := LoadDirectory(context.Background(), dir, ix, Options{Verbose: true, Metrics: m})
	require.NoError(t, err)

	assert.Equal(t, LoadStats{Files: 3, Records: 3}, stats)
	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, 3, m.files)
	assert.Equal(t, 3, m.records)
}

func TestLoadDirectoryAbortsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1,2007-02-20 00:00:00,0,0,0,0,0\n")
	writeFile(t, dir, "b.txt", "2,not a time,0,0,0,0,0\n")
	writeFile(t, dir, "c.txt", "3,2007-02-20 00:00:00,0,0,0,0,0\n")

	m := &fakeMetrics{}
	ix := kb.NewCoordinateIndex()
	stats, err := LoadDirectory(context.Background(), dir, ix, Options{Metrics: m})
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, filepath.Join(dir, "b.txt"), perr.Path)
	assert.Equal(t, "timestamp", perr.Field)
	assert.Equal(t, 1, stats.Files, "files are read in lexical order and c.txt is never reached")
	assert.Equal(t, []string{"timestamp"}, m.parseFields)
	_, ok := ix.Get(model.RecordKey{Timestamp: time.Date(2007, 2, 20, 0, 0, 0, 0, time.UTC).Unix(), VehicleID: 3})
	assert.False(t, ok)
}

func TestLoadDirectoryMissing(t *testing.T) {
	_, err := LoadDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), kb.NewCoordinateIndex(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadDirectoryCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1,2007-02-20 00:00:00,0,0,0,0,0\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := LoadDirectory(ctx, dir, kb.NewCoordinateIndex(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.txt", "7,2007-02-20 00:00:00,0,0,0,0,0\n7,2007-02-20 00:00:15,0,0,0,0,0\n")
	stats, err := LoadFile(path, kb.NewCoordinateIndex(), Options{})
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Files: 1, Records: 2}, stats)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.txt"), kb.NewCoordinateIndex(), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteContacts(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteContacts(&buf, []model.Contact{
		{VehicleA: 1, VehicleB: 2, Start: 0, Stop: 10000},
		{VehicleA: 12, VehicleB: 3, Start: 1171929649000, Stop: 1171929670000},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "1 2 0 10000\n12 3 1171929649000 1171929670000\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteContactsSurfacesErrors(t *testing.T) {
	_, err := WriteContacts(failingWriter{}, []model.Contact{{VehicleA: 1, VehicleB: 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestDumpFileSortedAndRetryable(t *testing.T) {
	set := core.NewContactSet()
	set.Insert(model.Contact{VehicleA: 2, VehicleB: 1, Start: 5000, Stop: 10000})
	set.Insert(model.Contact{VehicleA: 1, VehicleB: 2, Start: 0, Stop: 5000})

	dir := t.TempDir()
	_, err := DumpFile(filepath.Join(dir, "missing-dir", "out.txt"), set, true)
	require.Error(t, err)
	assert.Equal(t, 2, set.Len(), "a failed dump leaves the set intact")

	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale content that must be truncated\n"), 0o644))
	n, err := DumpFile(path, set, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1 2 0 5000\n2 1 5000 10000\n", string(raw))
}

func TestRoundTripThroughRunner(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "taxi.txt", strings.Join([]string{
		"1,1970-01-01 00:00:00,0,0,0,0,0",
		"2,1970-01-01 00:00:10,0.001,0.001,0,0,0",
		"3,1970-01-01 00:00:50,10,10,0,0,0",
	}, "\n"))

	ix := kb.NewCoordinateIndex()
	_, err := LoadDirectory(context.Background(), dir, ix, Options{})
	require.NoError(t, err)
	ix.Seal()

	set, _, err := core.NewRunner(core.DefaultDetectionParams()).Run(context.Background(), ix)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = WriteContacts(&buf, set.Sorted())
	require.NoError(t, err)
	assert.Equal(t, "1 2 0 10000\n", buf.String())
}
