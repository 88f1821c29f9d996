// Package config resolves the parameters of a contact-trace run from
// defaults, an optional YAML file, CONTACT_* environment variables and
// caller overrides such as command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // time zones resolve without a system zoneinfo

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/contact-trace/core"
	"github.com/signalsfoundry/contact-trace/internal/observability"
)

// Environment variables that override file values.
const (
	EnvDistanceMeters = "CONTACT_DISTANCE_METERS"
	EnvWindowSeconds  = "CONTACT_WINDOW_SECONDS"
	EnvAlgorithm      = "CONTACT_ALGORITHM"
	EnvVerbose        = "CONTACT_VERBOSE"
	EnvWorkers        = "CONTACT_WORKERS"
	EnvSortOutput     = "CONTACT_SORT_OUTPUT"
	EnvTimeZone       = "CONTACT_TIME_ZONE"

	EnvTracingEnabled     = "CONTACT_TRACING_ENABLED"
	EnvTracingExporter    = "CONTACT_TRACING_EXPORTER"
	EnvTracingServiceName = "CONTACT_TRACING_SERVICE_NAME"
	EnvTracingSampleRatio = "CONTACT_TRACING_SAMPLE_RATIO"
	EnvOTLPEndpoint       = "CONTACT_OTLP_ENDPOINT"
)

// ErrInvalidParams wraps every validation failure.
var ErrInvalidParams = errors.New("invalid run parameters")

// Params holds everything a run needs. It is passed explicitly to the
// components that use it. A Workers value of 0 means one worker per CPU.
type Params struct {
	DistanceMeters float64       `yaml:"distance_meters" validate:"gt=0"`
	WindowSeconds  int           `yaml:"window_seconds" validate:"gt=0"`
	Algorithm      string        `yaml:"algorithm" validate:"oneof=plane haversine vincenty"`
	Verbose        bool          `yaml:"verbose"`
	Workers        int           `yaml:"workers" validate:"gte=1"`
	SortOutput     bool          `yaml:"sort_output"`
	TimeZone       string        `yaml:"time_zone" validate:"required,timezone"`
	Tracing        TracingParams `yaml:"tracing"`
}

// TracingParams configures span export for a run.
type TracingParams struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name" validate:"required"`
	Exporter    string  `yaml:"exporter" validate:"oneof=stdout otlp"`
	Endpoint    string  `yaml:"endpoint" validate:"omitempty,hostname_port"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// Defaults returns 250 m, 30 s, haversine, verbose, one worker per CPU and UTC
// timestamps, with tracing off.
func Defaults() Params {
	return Params{
		DistanceMeters: core.DefaultDistanceMeters,
		WindowSeconds:  int(core.DefaultWindow / time.Second),
		Algorithm:      core.AlgorithmHaversine.String(),
		Verbose:        true,
		Workers:        runtime.GOMAXPROCS(0),
		TimeZone:       "UTC",
		Tracing: TracingParams{
			ServiceName: "contact-trace",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Normalize canonicalises free-form values: names are lower-cased and a zero
// worker count becomes one worker per CPU.
func (p *Params) Normalize() {
	p.Algorithm = strings.ToLower(strings.TrimSpace(p.Algorithm))
	p.TimeZone = strings.TrimSpace(p.TimeZone)
	p.Tracing.Exporter = strings.ToLower(strings.TrimSpace(p.Tracing.Exporter))
	if p.Workers == 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}
}

// Load returns Defaults overlaid with the YAML file at path. An empty path
// yields the defaults.
func Load(path string) (Params, error) {
	p := Defaults()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	p.Normalize()
	return p, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides p with any CONTACT_* variables visible through lookup.
func (p *Params) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvDistanceMeters); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDistanceMeters, err)
		}
		p.DistanceMeters = f
	}
	if v, ok := lookup(EnvWindowSeconds); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWindowSeconds, err)
		}
		p.WindowSeconds = n
	}
	if v, ok := lookup(EnvAlgorithm); ok {
		p.Algorithm = v
	}
	if v, ok := lookup(EnvVerbose); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVerbose, err)
		}
		p.Verbose = b
	}
	if v, ok := lookup(EnvWorkers); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		p.Workers = n
	}
	if v, ok := lookup(EnvSortOutput); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSortOutput, err)
		}
		p.SortOutput = b
	}
	if v, ok := lookup(EnvTimeZone); ok {
		p.TimeZone = v
	}
	if v, ok := lookup(EnvTracingEnabled); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTracingEnabled, err)
		}
		p.Tracing.Enabled = b
	}
	if v, ok := lookup(EnvTracingExporter); ok {
		p.Tracing.Exporter = v
	}
	if v, ok := lookup(EnvTracingServiceName); ok {
		p.Tracing.ServiceName = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTracingSampleRatio); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTracingSampleRatio, err)
		}
		p.Tracing.SampleRatio = f
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		p.Tracing.Endpoint = strings.TrimSpace(v)
	}
	p.Normalize()
	return nil
}

// Resolve layers the YAML file at path, the variables visible through lookup
// and then each override in order, and validates the result. A nil lookup
// reads the process environment.
func Resolve(path string, lookup LookupFunc, overrides ...func(*Params)) (Params, error) {
	p, err := Load(path)
	if err != nil {
		return Params{}, err
	}
	if err := p.ApplyEnv(lookup); err != nil {
		return Params{}, err
	}
	for _, override := range overrides {
		override(&p)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

var validate = validator.New()

// Validate checks every field of the normalized parameters and reports all
// failures at once.
func (p Params) Validate() error {
	p.Normalize()
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, "; "))
}

// Window returns WindowSeconds as a duration.
func (p Params) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Location resolves TimeZone.
func (p Params) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidParams, p.TimeZone, err)
	}
	return loc, nil
}

// DetectionParams converts p into the value handed to the detector.
func (p Params) DetectionParams() (core.DetectionParams, error) {
	alg, err := core.ParseAlgorithm(p.Algorithm)
	if err != nil {
		return core.DetectionParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return core.DetectionParams{
		DistanceMeters: p.DistanceMeters,
		Window:         p.Window(),
		Algorithm:      alg,
	}, nil
}

// TracingConfig converts the tracing section for observability.InitTracing.
func (p Params) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     p.Tracing.Enabled,
		ServiceName: p.Tracing.ServiceName,
		Exporter:    p.Tracing.Exporter,
		Endpoint:    p.Tracing.Endpoint,
		SampleRatio: p.Tracing.SampleRatio,
	}
}
