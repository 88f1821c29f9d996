package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/contact-trace/core"
)

// RunCollector bundles Prometheus metrics for contact generation and the
// phases of a run, and exposes them over HTTP or as a textfile.
type RunCollector struct {
	gatherer prometheus.Gatherer

	UnitsTotal        prometheus.Counter
	ComparisonsTotal  prometheus.Counter
	ContactsTotal     prometheus.Counter
	NonConvergedTotal prometheus.Counter
	UnitComparisons   prometheus.Histogram
	PhaseDurations    *prometheus.HistogramVec

	TraceRecords  prometheus.Gauge
	TraceContacts prometheus.Gauge
	RunWorkers    prometheus.Gauge
}

// NewRunCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	units, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contact_units_total",
		Help: "Detection units executed, one per anchor record.",
	}), "contact_units_total")
	if err != nil {
		return nil, err
	}
	comparisons, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contact_comparisons_total",
		Help: "Distance computations between an anchor and another vehicle's record.",
	}), "contact_comparisons_total")
	if err != nil {
		return nil, err
	}
	contacts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contact_contacts_emitted_total",
		Help: "Contacts newly added to the contact set.",
	}), "contact_contacts_emitted_total")
	if err != nil {
		return nil, err
	}
	nonConverged, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contact_distance_nonconverged_total",
		Help: "Distance computations that failed to converge and were excluded.",
	}), "contact_distance_nonconverged_total")
	if err != nil {
		return nil, err
	}

	unitComparisons, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "contact_unit_window_size",
		Help:    "Other-vehicle records examined per detection unit.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}), "contact_unit_window_size")
	if err != nil {
		return nil, err
	}

	phases, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contact_phase_duration_seconds",
		Help:    "Wall-clock duration of each run phase.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"phase"}), "contact_phase_duration_seconds")
	if err != nil {
		return nil, err
	}

	records, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "contact_trace_records",
		Help: "Position records held by the coordinate index.",
	}), "contact_trace_records")
	if err != nil {
		return nil, err
	}
	traceContacts, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "contact_trace_contacts",
		Help: "Distinct contacts in the generated contact trace.",
	}), "contact_trace_contacts")
	if err != nil {
		return nil, err
	}
	workers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "contact_run_workers",
		Help: "Concurrency bound of the last contact generation run.",
	}), "contact_run_workers")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:          gatherer,
		UnitsTotal:        units,
		ComparisonsTotal:  comparisons,
		ContactsTotal:     contacts,
		NonConvergedTotal: nonConverged,
		UnitComparisons:   unitComparisons,
		PhaseDurations:    phases,
		TraceRecords:      records,
		TraceContacts:     traceContacts,
		RunWorkers:        workers,
	}, nil
}

// ObserveUnit satisfies core.RunMetricsRecorder.
func (c *RunCollector) ObserveUnit(res core.UnitResult) {
	if c == nil {
		return
	}
	c.UnitsTotal.Inc()
	c.ComparisonsTotal.Add(float64(res.Comparisons))
	c.ContactsTotal.Add(float64(res.Contacts))
	c.NonConvergedTotal.Add(float64(res.NonConverged))
	c.UnitComparisons.Observe(float64(res.Comparisons))
}

// ObserveRun satisfies core.RunMetricsRecorder.
func (c *RunCollector) ObserveRun(stats core.RunStats) {
	if c == nil {
		return
	}
	c.TraceRecords.Set(float64(stats.Records))
	c.TraceContacts.Set(float64(stats.Contacts))
	c.RunWorkers.Set(float64(stats.Workers))
}

// ObservePhase records how long a named phase (load, generate, save) took.
func (c *RunCollector) ObservePhase(phase string, d time.Duration) {
	if c == nil || c.PhaseDurations == nil {
		return
	}
	c.PhaseDurations.WithLabelValues(phase).Observe(d.Seconds())
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metric values to path in the text
// exposition format, for collection by node_exporter's textfile collector.
func (c *RunCollector) WriteTextfile(path string) error {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
