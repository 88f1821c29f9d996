package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestCollector exposes trace-ingestion Prometheus metrics.
type IngestCollector struct {
	gatherer prometheus.Gatherer

	FilesLoaded      prometheus.Counter
	RecordsParsed    prometheus.Counter
	DuplicateRecords prometheus.Counter
	ParseErrors      *prometheus.CounterVec
	FileLoadDuration prometheus.Histogram
}

// NewIngestCollector registers ingestion metrics against the provided registerer.
func NewIngestCollector(reg prometheus.Registerer) (*IngestCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	files := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_files_loaded_total",
		Help: "Trace files fully parsed into the coordinate index.",
	})
	files, err := registerCounter(reg, files, "trace_files_loaded_total")
	if err != nil {
		return nil, err
	}

	records := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_records_parsed_total",
		Help: "Position records parsed from trace files.",
	})
	records, err = registerCounter(reg, records, "trace_records_parsed_total")
	if err != nil {
		return nil, err
	}

	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_duplicate_records_total",
		Help: "Records that replaced an earlier record with the same timestamp and vehicle.",
	})
	duplicates, err = registerCounter(reg, duplicates, "trace_duplicate_records_total")
	if err != nil {
		return nil, err
	}

	parseErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_parse_errors_total",
		Help: "Malformed trace lines, labeled by the offending field.",
	}, []string{"field"})
	parseErrors, err = registerCounterVec(reg, parseErrors, "trace_parse_errors_total")
	if err != nil {
		return nil, err
	}

	fileHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trace_file_load_duration_seconds",
		Help:    "Time spent parsing a single trace file.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	fileHistogram, err = registerHistogram(reg, fileHistogram, "trace_file_load_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &IngestCollector{
		gatherer:         gatherer,
		FilesLoaded:      files,
		RecordsParsed:    records,
		DuplicateRecords: duplicates,
		ParseErrors:      parseErrors,
		FileLoadDuration: fileHistogram,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *IngestCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFile records one parsed file with its record count and duration.
func (c *IngestCollector) ObserveFile(records int, d time.Duration) {
	if c == nil {
		return
	}
	c.FilesLoaded.Inc()
	c.RecordsParsed.Add(float64(records))
	c.FileLoadDuration.Observe(d.Seconds())
}

// IncDuplicates counts a replaced record.
func (c *IngestCollector) IncDuplicates() {
	if c == nil || c.DuplicateRecords == nil {
		return
	}
	c.DuplicateRecords.Inc()
}

// IncParseErrors counts a malformed line for field.
func (c *IngestCollector) IncParseErrors(field string) {
	if c == nil || c.ParseErrors == nil {
		return
	}
	if field == "" {
		field = "line"
	}
	c.ParseErrors.WithLabelValues(field).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
