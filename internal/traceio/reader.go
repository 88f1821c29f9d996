// Package traceio reads raw taxi GPS traces into a coordinate index and
// writes generated contact traces.
package traceio

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/contact-trace/internal/logging"
	"github.com/signalsfoundry/contact-trace/model"
)

// TimestampLayout is the layout of the second field of a trace line.
const TimestampLayout = "2006-01-02 15:04:05"

const fieldsPerLine = 7

var fieldNames = [fieldsPerLine]string{
	"vehicle", "timestamp", "longitude", "latitude", "speed", "heading", "status",
}

// ErrParse is wrapped by every *ParseError.
var ErrParse = errors.New("malformed trace line")

// ParseError reports a malformed line. Any parse error aborts ingestion.
type ParseError struct {
	Path  string
	Line  int
	Field string // empty when the line as a whole is malformed
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s:%d: field %s: %v", e.Path, e.Line, e.Field, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// Inserter is the write side of a coordinate index.
type Inserter interface {
	Insert(rec model.PositionRecord) (replaced bool, err error)
}

// MetricsRecorder receives ingestion observations. Duplicate records are
// reported by the index itself, see kb.EventRecordReplaced.
type MetricsRecorder interface {
	ObserveFile(records int, d time.Duration)
	IncParseErrors(field string)
}

// Options tunes ingestion. The zero value parses timestamps in UTC and stays
// quiet.
type Options struct {
	// Location interprets the zone-less timestamps. Nil means UTC.
	Location *time.Location
	// Verbose logs a progress line per decile of files.
	Verbose bool
	Logger  logging.Logger
	Metrics MetricsRecorder
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

func (o Options) logger() logging.Logger {
	if o.Logger == nil {
		return logging.Noop()
	}
	return o.Logger
}

// LoadStats summarises an ingestion pass.
type LoadStats struct {
	Files      int
	Records    int
	Duplicates int
}

// LoadDirectory walks dir recursively in lexical order and loads every
// regular file into ix. The first error aborts the walk.
func LoadDirectory(ctx context.Context, dir string, ix Inserter, opts Options) (LoadStats, error) {
	log := opts.logger()

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return LoadStats{}, err
	}

	var (
		stats      LoadStats
		lastDecile int
	)
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		fileStats, err := loadFile(path, ix, opts)
		stats.Records += fileStats.Records
		stats.Duplicates += fileStats.Duplicates
		if err != nil {
			return stats, err
		}
		stats.Files++

		if opts.Verbose {
			if decile := (i + 1) * 10 / len(files); decile > lastDecile {
				lastDecile = decile
				log.Info(ctx, "loading trace",
					logging.Int("percent", decile*10),
					logging.Int("files", i+1),
					logging.Int("records", stats.Records),
				)
			}
		}
	}

	log.Debug(ctx, "trace directory loaded",
		logging.String("dir", dir),
		logging.Int("files", stats.Files),
		logging.Int("records", stats.Records),
	)
	return stats, nil
}

// LoadFile parses one trace file into ix.
func LoadFile(path string, ix Inserter, opts Options) (LoadStats, error) {
	stats, err := loadFile(path, ix, opts)
	if err == nil {
		stats.Files = 1
	}
	return stats, err
}

func loadFile(path string, ix Inserter, opts Options) (LoadStats, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return LoadStats{}, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	stats, err := Parse(path, f, ix, opts)
	if err != nil {
		var perr *ParseError
		if opts.Metrics != nil && errors.As(err, &perr) {
			opts.Metrics.IncParseErrors(perr.Field)
		}
		return stats, err
	}
	if opts.Metrics != nil {
		opts.Metrics.ObserveFile(stats.Records, time.Since(start))
	}
	return stats, nil
}

// Parse reads trace lines from r. name is used only in error messages.
func Parse(name string, r io.Reader, ix Inserter, opts Options) (LoadStats, error) {
	rr := newRecordReader(name, r, opts.location())

	var stats LoadStats
	for {
		rec, line, err := rr.next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		replaced, err := ix.Insert(rec)
		if err != nil {
			return stats, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		stats.Records++
		if replaced {
			stats.Duplicates++
		}
	}
}

// ParseLine parses a single trace line with the same rules as Parse. Errors
// report the line as "<line>:1".
func ParseLine(line string, loc *time.Location) (model.PositionRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	rec, _, err := newRecordReader("<line>", strings.NewReader(line), loc).next()
	if errors.Is(err, io.EOF) {
		return model.PositionRecord{}, &ParseError{Path: "<line>", Line: 1, Err: errors.New("empty line")}
	}
	return rec, err
}

// recordReader turns csv rows into position records, skipping blank lines.
type recordReader struct {
	name string
	cr   *csv.Reader
	loc  *time.Location
}

func newRecordReader(name string, r io.Reader, loc *time.Location) *recordReader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &recordReader{name: name, cr: cr, loc: loc}
}

// next returns the next record and its line number, or io.EOF.
func (rr *recordReader) next() (model.PositionRecord, int, error) {
	for {
		fields, err := rr.cr.Read()
		if err == io.EOF {
			return model.PositionRecord{}, 0, io.EOF
		}
		if err != nil {
			var cerr *csv.ParseError
			if errors.As(err, &cerr) {
				return model.PositionRecord{}, cerr.Line, &ParseError{Path: rr.name, Line: cerr.Line, Err: cerr.Err}
			}
			return model.PositionRecord{}, 0, fmt.Errorf("read %s: %w", rr.name, err)
		}
		line, _ := rr.cr.FieldPos(0)
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}

		rec, err := parseRecord(fields, rr.loc)
		if err != nil {
			if perr, ok := err.(*ParseError); ok {
				perr.Path = rr.name
				perr.Line = line
			}
			return model.PositionRecord{}, line, err
		}
		return rec, line, nil
	}
}

func parseRecord(fields []string, loc *time.Location) (model.PositionRecord, error) {
	if len(fields) != fieldsPerLine {
		return model.PositionRecord{}, &ParseError{
			Err: fmt.Errorf("%w: got %d fields, want %d", csv.ErrFieldCount, len(fields), fieldsPerLine),
		}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var rec model.PositionRecord
	ints := [...]*int32{0: &rec.VehicleID, 4: &rec.Speed, 5: &rec.Heading, 6: &rec.Status}
	for i, dst := range ints {
		if dst == nil {
			continue
		}
		n, err := strconv.ParseInt(fields[i], 10, 32)
		if err != nil {
			return model.PositionRecord{}, &ParseError{Field: fieldNames[i], Err: err}
		}
		*dst = int32(n)
	}

	ts, err := time.ParseInLocation(TimestampLayout, fields[1], loc)
	if err != nil {
		return model.PositionRecord{}, &ParseError{Field: fieldNames[1], Err: err}
	}
	rec.Timestamp = ts

	if rec.Longitude, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return model.PositionRecord{}, &ParseError{Field: fieldNames[2], Err: err}
	}
	if rec.Latitude, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return model.PositionRecord{}, &ParseError{Field: fieldNames[3], Err: err}
	}
	return rec, nil
}
