package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/contact-trace/model"
)

// Default detection parameters.
const (
	DefaultDistanceMeters = 250.0
	DefaultWindow         = 30 * time.Second
)

// DetectionParams configures a detection run. It is passed by value to
// every unit; nothing reads detection settings from package state.
type DetectionParams struct {
	// DistanceMeters is the inclusive contact range.
	DistanceMeters float64
	// Window is the trailing time window after each anchor, inclusive.
	Window time.Duration
	// Algorithm selects the distance model.
	Algorithm Algorithm
}

// DefaultDetectionParams returns 250 m, 30 s, Haversine.
func DefaultDetectionParams() DetectionParams {
	return DetectionParams{
		DistanceMeters: DefaultDistanceMeters,
		Window:         DefaultWindow,
		Algorithm:      AlgorithmHaversine,
	}
}

// UnitResult summarises the work done by one detection unit.
type UnitResult struct {
	Comparisons  int // other-vehicle records examined
	Contacts     int // contacts newly added to the set
	NonConverged int // distances that came back NaN
}

// DetectContacts compares anchor against every record of its forward window
// and inserts a contact into set for each other-vehicle record within range.
// The anchor is always vehicle A and supplies the start time.
func DetectContacts(anchor model.PositionRecord, window []model.PositionRecord, set *ContactSet, p DetectionParams) UnitResult {
	var res UnitResult
	origin := anchor.Point()
	for _, other := range window {
		if other.VehicleID == anchor.VehicleID {
			continue
		}
		res.Comparisons++

		d := p.Algorithm.Distance(origin, other.Point())
		if math.IsNaN(d) {
			res.NonConverged++
			continue
		}
		if !Within(d, p.DistanceMeters) {
			continue
		}
		if set.Insert(model.Contact{
			VehicleA: anchor.VehicleID,
			VehicleB: other.VehicleID,
			Start:    anchor.EpochMillis(),
			Stop:     other.EpochMillis(),
		}) {
			res.Contacts++
		}
	}
	return res
}
