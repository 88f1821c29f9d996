package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/contact-trace/internal/logging"
	"github.com/signalsfoundry/contact-trace/model"
)

// ErrRunnerUsed is returned when Run is called on a runner that has already
// left StateEmpty.
var ErrRunnerUsed = errors.New("runner already started")

// ErrWindowOutOfRange is returned when a WindowSource hands a unit a record
// outside the unit's (Lower, Upper] bounds.
var ErrWindowOutOfRange = errors.New("window record outside unit bounds")

// RunState is the lifecycle of a Runner.
type RunState int32

const (
	StateEmpty RunState = iota
	StateDispatching
	StateAwaitingCompletion
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// WindowSource is the read side of a coordinate index used during a run.
type WindowSource interface {
	All() []model.PositionRecord
	RangeFrom(lower, upper model.RecordKey) []model.PositionRecord
}

// WorkItem is one detection unit: an anchor record plus the key bounds of
// its forward window. The window itself is looked up when the unit runs.
type WorkItem struct {
	Anchor model.PositionRecord
	Lower  model.RecordKey // exclusive
	Upper  model.RecordKey // inclusive
}

// NewWorkItem builds the unit for anchor with the given window length.
func NewWorkItem(anchor model.PositionRecord, window time.Duration) WorkItem {
	key := anchor.Key()
	return WorkItem{
		Anchor: anchor,
		Lower:  key,
		Upper:  key.WindowUpperBound(window),
	}
}

// ProgressPhase names the stage a progress event belongs to.
type ProgressPhase string

const (
	PhaseDispatch ProgressPhase = "threads launched"
	PhaseJoin     ProgressPhase = "done"
)

// Progress is a coarse milestone reported while a run advances.
type Progress struct {
	Phase   ProgressPhase
	Done    int
	Total   int
	Percent int // multiple of 10
}

// RunStats summarises a completed run.
type RunStats struct {
	Records      int
	Units        int
	Comparisons  int64
	Contacts     int
	NonConverged int64
	Workers      int
	Duration     time.Duration
}

// RunMetricsRecorder receives per-unit and per-run observations.
type RunMetricsRecorder interface {
	ObserveUnit(res UnitResult)
	ObserveRun(stats RunStats)
}

// RunnerOption customises Runner construction.
type RunnerOption func(*Runner)

// WithWorkers bounds the number of units executing concurrently. Values below
// one are treated as one, which runs every unit inline.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n < 1 {
			n = 1
		}
		r.workers = n
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithProgress registers a hook for decile milestones. The hook is called
// serially per phase and must not block.
func WithProgress(fn func(Progress)) RunnerOption {
	return func(r *Runner) {
		r.progress = fn
	}
}

// WithMetrics attaches an optional metrics recorder.
func WithMetrics(m RunMetricsRecorder) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// Runner executes one detection unit per indexed record on a bounded pool
// and collects the results into a ContactSet. A Runner performs a single run.
type Runner struct {
	params   DetectionParams
	workers  int
	log      logging.Logger
	progress func(Progress)
	metrics  RunMetricsRecorder

	state atomic.Int32
}

// NewRunner constructs a runner for params. By default it uses one worker
// per available CPU.
func NewRunner(params DetectionParams, opts ...RunnerOption) *Runner {
	r := &Runner{
		params:  params,
		workers: runtime.GOMAXPROCS(0),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() RunState {
	return RunState(r.state.Load())
}

// Workers returns the configured concurrency bound.
func (r *Runner) Workers() int { return r.workers }

func (r *Runner) setState(s RunState) {
	r.state.Store(int32(s))
}

// Run generates every contact in src. The context is consulted between
// dispatches only; units already submitted always finish. On cancellation Run
// waits for submitted units and returns ctx.Err() with no set. A failing unit
// fails the run once every submitted unit has finished.
func (r *Runner) Run(ctx context.Context, src WindowSource) (set *ContactSet, stats RunStats, err error) {
	if !r.state.CompareAndSwap(int32(StateEmpty), int32(StateDispatching)) {
		return nil, RunStats{}, ErrRunnerUsed
	}
	defer r.setState(StateDone)

	ctx, span := startSpan(ctx, "core.Runner.Run",
		attribute.Int("workers", r.workers),
		attribute.String("algorithm", r.params.Algorithm.String()),
		attribute.Float64("distance_m", r.params.DistanceMeters),
		attribute.Int64("window_s", int64(r.params.Window/time.Second)),
	)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	records := src.All()
	total := len(records)
	span.SetAttributes(attribute.Int("records", total))

	set = NewContactSet()
	acc := &runAccumulator{}
	dispatched := newProgressTracker(PhaseDispatch, total, r.progress)
	joined := newProgressTracker(PhaseJoin, total, r.progress)

	exec := func(item WorkItem) error {
		res, err := r.execute(ctx, src, item, set)
		if err != nil {
			return err
		}
		acc.add(res)
		if r.metrics != nil {
			r.metrics.ObserveUnit(res)
		}
		joined.step()
		return nil
	}

	r.log.Info(ctx, "contact generation started",
		logging.Int("records", total),
		logging.Int("workers", r.workers),
		logging.String("algorithm", r.params.Algorithm.String()),
	)

	if r.workers == 1 {
		for _, rec := range records {
			if err = ctx.Err(); err != nil {
				return nil, RunStats{}, err
			}
			if err = exec(NewWorkItem(rec, r.params.Window)); err != nil {
				return nil, RunStats{}, fmt.Errorf("contact generation: %w", err)
			}
			dispatched.step()
		}
		r.setState(StateAwaitingCompletion)
	} else {
		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, rec := range records {
			if err = ctx.Err(); err != nil {
				break
			}
			item := NewWorkItem(rec, r.params.Window)
			g.Go(func() error {
				return exec(item)
			})
			dispatched.step()
		}
		r.setState(StateAwaitingCompletion)
		unitErr := g.Wait()
		if unitErr != nil {
			r.log.Error(ctx, "contact generation failed", logging.Err(unitErr))
			return nil, RunStats{}, fmt.Errorf("contact generation: %w", unitErr)
		}
		if err != nil {
			r.log.Warn(ctx, "contact generation cancelled",
				logging.Int("units_completed", acc.units()),
				logging.Err(err),
			)
			return nil, RunStats{}, err
		}
	}

	stats = acc.stats()
	stats.Records = total
	stats.Contacts = set.Len()
	stats.Workers = r.workers
	stats.Duration = time.Since(start)

	if stats.NonConverged > 0 {
		r.log.Warn(ctx, "distance computations did not converge",
			logging.Int64("count", stats.NonConverged),
			logging.String("algorithm", r.params.Algorithm.String()),
		)
	}
	r.log.Info(ctx, "contact generation finished",
		logging.Int("contacts", stats.Contacts),
		logging.Int64("comparisons", stats.Comparisons),
		logging.Duration("duration", stats.Duration),
	)
	span.SetAttributes(
		attribute.Int("contacts", stats.Contacts),
		attribute.Int64("comparisons", stats.Comparisons),
	)
	if r.metrics != nil {
		r.metrics.ObserveRun(stats)
	}
	return set, stats, nil
}

func (r *Runner) execute(ctx context.Context, src WindowSource, item WorkItem, set *ContactSet) (UnitResult, error) {
	window := src.RangeFrom(item.Lower, item.Upper)
	for _, rec := range window {
		if k := rec.Key(); !item.Lower.Less(k) || item.Upper.Less(k) {
			return UnitResult{}, fmt.Errorf("%w: anchor %s got %s", ErrWindowOutOfRange, item.Lower, k)
		}
	}
	res := DetectContacts(item.Anchor, window, set, r.params)
	if res.NonConverged > 0 {
		r.log.Debug(ctx, "distance did not converge",
			logging.Any("anchor", item.Anchor.Key().String()),
			logging.Int("count", res.NonConverged),
		)
	}
	return res, nil
}

type runAccumulator struct {
	n            atomic.Int64
	comparisons  atomic.Int64
	nonConverged atomic.Int64
}

func (a *runAccumulator) add(res UnitResult) {
	a.n.Add(1)
	a.comparisons.Add(int64(res.Comparisons))
	a.nonConverged.Add(int64(res.NonConverged))
}

func (a *runAccumulator) units() int { return int(a.n.Load()) }

func (a *runAccumulator) stats() RunStats {
	return RunStats{
		Units:        a.units(),
		Comparisons:  a.comparisons.Load(),
		NonConverged: a.nonConverged.Load(),
	}
}

// progressTracker emits a Progress event each time the completed fraction
// crosses a new decile.
type progressTracker struct {
	mu         sync.Mutex
	phase      ProgressPhase
	total      int
	done       int
	lastDecile int
	hook       func(Progress)
}

func newProgressTracker(phase ProgressPhase, total int, hook func(Progress)) *progressTracker {
	return &progressTracker{phase: phase, total: total, hook: hook}
}

func (p *progressTracker) step() {
	if p.hook == nil || p.total == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	decile := p.done * 10 / p.total
	if decile <= p.lastDecile {
		return
	}
	p.lastDecile = decile
	p.hook(Progress{
		Phase:   p.phase,
		Done:    p.done,
		Total:   p.total,
		Percent: decile * 10,
	})
}
