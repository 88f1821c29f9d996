// Package sim owns a contact-trace run: the loaded mobility trace, the
// detection parameters and the generated contacts.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/contact-trace/core"
	"github.com/signalsfoundry/contact-trace/internal/logging"
	"github.com/signalsfoundry/contact-trace/internal/observability"
	"github.com/signalsfoundry/contact-trace/internal/traceio"
	"github.com/signalsfoundry/contact-trace/kb"
)

// ErrNoIndex is returned when a Trace is built without a coordinate index.
var ErrNoIndex = errors.New("trace has no coordinate index")

// Trace holds a mobility trace and, once generated, its contact trace.
// Contacts and Dump generate on first use.
type Trace struct {
	mu sync.Mutex

	index  *kb.CoordinateIndex
	params core.DetectionParams

	workers    int
	log        logging.Logger
	metrics    core.RunMetricsRecorder
	progress   func(core.Progress)
	duplicates DuplicateRecorder

	contacts *core.ContactSet
	stats    core.RunStats
}

// DuplicateRecorder counts position records replaced during loading.
type DuplicateRecorder interface {
	IncDuplicates()
}

// Option customises a Trace.
type Option func(*Trace)

// WithWorkers bounds generation concurrency. Zero keeps the runner default.
func WithWorkers(n int) Option {
	return func(t *Trace) { t.workers = n }
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Trace) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics attaches a run metrics recorder.
func WithMetrics(m core.RunMetricsRecorder) Option {
	return func(t *Trace) { t.metrics = m }
}

// WithProgress registers a generation progress hook.
func WithProgress(fn func(core.Progress)) Option {
	return func(t *Trace) { t.progress = fn }
}

// WithDuplicateRecorder counts records replaced while FromDirectory loads.
func WithDuplicateRecorder(d DuplicateRecorder) Option {
	return func(t *Trace) { t.duplicates = d }
}

// NewTrace wraps an already populated index.
func NewTrace(index *kb.CoordinateIndex, params core.DetectionParams, opts ...Option) *Trace {
	t := &Trace{
		index:  index,
		params: params,
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromDirectory loads every trace file under dir into a fresh index.
// Replaced records are reported to the DuplicateRecorder and logged.
func FromDirectory(ctx context.Context, dir string, params core.DetectionParams, readOpts traceio.Options, opts ...Option) (*Trace, traceio.LoadStats, error) {
	ctx, span := observability.StartPhaseSpan(ctx, "load", attribute.String("dir", dir))
	defer span.End()

	t := NewTrace(kb.NewCoordinateIndex(), params, opts...)

	var replaced atomic.Int64
	unsubscribe := t.index.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventRecordReplaced {
			return
		}
		replaced.Add(1)
		if t.duplicates != nil {
			t.duplicates.IncDuplicates()
		}
		t.log.Debug(ctx, "position record replaced",
			logging.Any("key", ev.Record.Key().String()),
			logging.Any("previous", ev.Previous.Point()),
		)
	})
	stats, err := traceio.LoadDirectory(ctx, dir, t.index, readOpts)
	unsubscribe()
	if err != nil {
		span.RecordError(err)
		return nil, stats, fmt.Errorf("load trace from %s: %w", dir, err)
	}
	t.index.Seal()

	if n := replaced.Load(); n > 0 {
		t.log.Warn(ctx, "duplicate position records replaced", logging.Int64("duplicates", n))
	}
	span.SetAttributes(
		attribute.Int("files", stats.Files),
		attribute.Int("records", t.index.Len()),
		attribute.Int64("duplicates", replaced.Load()),
	)
	return t, stats, nil
}

// Index returns the underlying coordinate index.
func (t *Trace) Index() *kb.CoordinateIndex { return t.index }

// Params returns the detection parameters.
func (t *Trace) Params() core.DetectionParams { return t.params }

// TraceLength is the number of position records.
func (t *Trace) TraceLength() int {
	if t.index == nil {
		return 0
	}
	return t.index.Len()
}

// ContactLength is the number of generated contacts, zero before generation.
func (t *Trace) ContactLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.contacts == nil {
		return 0
	}
	return t.contacts.Len()
}

// Generated reports whether a contact trace is available.
func (t *Trace) Generated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contacts != nil
}

// Stats returns the statistics of the last generation.
func (t *Trace) Stats() core.RunStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Trace) String() string {
	return fmt.Sprintf("Trace{traceLength=%d, contactLength=%d}", t.TraceLength(), t.ContactLength())
}

// Generate computes the contact trace, replacing any previous result. The
// index is sealed first.
func (t *Trace) Generate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generateLocked(ctx)
}

func (t *Trace) generateLocked(ctx context.Context) error {
	if t.index == nil {
		return ErrNoIndex
	}
	t.index.Seal()

	ctx, span := observability.StartPhaseSpan(ctx, "generate",
		attribute.Int("records", t.index.Len()),
	)
	defer span.End()

	opts := []core.RunnerOption{core.WithLogger(t.log)}
	if t.workers > 0 {
		opts = append(opts, core.WithWorkers(t.workers))
	}
	if t.metrics != nil {
		opts = append(opts, core.WithMetrics(t.metrics))
	}
	if t.progress != nil {
		opts = append(opts, core.WithProgress(t.progress))
	}

	set, stats, err := core.NewRunner(t.params, opts...).Run(ctx, t.index)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("generate contacts: %w", err)
	}
	t.contacts = set
	t.stats = stats
	span.SetAttributes(attribute.Int("contacts", set.Len()))
	return nil
}

// Contacts returns the contact set, generating it if needed.
func (t *Trace) Contacts(ctx context.Context) (*core.ContactSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.contacts == nil {
		if err := t.generateLocked(ctx); err != nil {
			return nil, err
		}
	}
	return t.contacts, nil
}

// Dump writes the contact trace to path, generating it if needed. A failed
// write leaves the contacts in place so Dump can be retried.
func (t *Trace) Dump(ctx context.Context, path string, sorted bool) (int, error) {
	set, err := t.Contacts(ctx)
	if err != nil {
		return 0, err
	}

	ctx, span := observability.StartPhaseSpan(ctx, "save", attribute.String("path", path))
	defer span.End()

	n, err := traceio.DumpFile(path, set, sorted)
	if err != nil {
		span.RecordError(err)
		t.log.Error(ctx, "contact trace save failed", logging.String("path", path), logging.Err(err))
		return n, err
	}
	t.log.Debug(ctx, "contact trace saved",
		logging.String("path", path),
		logging.Int("contacts", n),
		logging.Bool("sorted", sorted),
	)
	return n, nil
}

// Plan returns the contacts grouped by vehicle pair, generating if needed.
func (t *Trace) Plan(ctx context.Context) (ContactPlan, error) {
	set, err := t.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	return BuildContactPlan(set.Contacts()), nil
}

// Summary returns statistics over the trace and its contacts, generating if
// needed.
func (t *Trace) Summary(ctx context.Context) (Summary, error) {
	set, err := t.Contacts(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(t.index.Len(), t.index.Vehicles(), set.Contacts()), nil
}
