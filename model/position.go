package model

import (
	"fmt"
	"math"
	"time"
)

// MaxVehicleID is the sentinel vehicle identifier used to build synthetic
// upper-bound keys. It sorts after every real vehicle at a given timestamp.
const MaxVehicleID int32 = math.MaxInt32

// PositionRecord is one periodic report emitted by a vehicle: where it was,
// when, and a few auxiliary fields carried through from the raw trace.
// Records are values; nothing mutates them after construction.
type PositionRecord struct {
	VehicleID int32
	Timestamp time.Time

	// Longitude and Latitude are in decimal degrees.
	Longitude float64
	Latitude  float64

	// Auxiliary fields; contact detection ignores them.
	Speed   int32
	Heading int32
	Status  int32
}

// Key returns the ordering key for the record.
func (p PositionRecord) Key() RecordKey {
	return RecordKey{Timestamp: p.Timestamp.Unix(), VehicleID: p.VehicleID}
}

// Point returns the record's coordinates.
func (p PositionRecord) Point() Point {
	return Point{Longitude: p.Longitude, Latitude: p.Latitude}
}

// EpochMillis returns the record timestamp in milliseconds since the Unix epoch.
func (p PositionRecord) EpochMillis() int64 {
	return p.Timestamp.UnixMilli()
}

func (p PositionRecord) String() string {
	return fmt.Sprintf("PositionRecord{vehicle=%d, ts=%s, lon=%g, lat=%g, speed=%d, heading=%d, status=%d}",
		p.VehicleID, p.Timestamp.Format(time.DateTime), p.Longitude, p.Latitude, p.Speed, p.Heading, p.Status)
}

// Point is a longitude/latitude pair in decimal degrees.
type Point struct {
	Longitude float64
	Latitude  float64
}

// RecordKey identifies a position record. Keys order primarily by timestamp
// (second precision) and secondarily by vehicle, so every record reported
// within a time span occupies one contiguous run of the ordering.
type RecordKey struct {
	Timestamp int64 // unix seconds
	VehicleID int32
}

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal to
// or after other.
func (k RecordKey) Compare(other RecordKey) int {
	switch {
	case k.Timestamp < other.Timestamp:
		return -1
	case k.Timestamp > other.Timestamp:
		return 1
	case k.VehicleID < other.VehicleID:
		return -1
	case k.VehicleID > other.VehicleID:
		return 1
	}
	return 0
}

// Less reports whether k sorts strictly before other.
func (k RecordKey) Less(other RecordKey) bool {
	return k.Compare(other) < 0
}

// WindowUpperBound returns the synthetic inclusive upper key covering every
// vehicle reporting up to window after k.
func (k RecordKey) WindowUpperBound(window time.Duration) RecordKey {
	return RecordKey{
		Timestamp: k.Timestamp + int64(window/time.Second),
		VehicleID: MaxVehicleID,
	}
}

func (k RecordKey) String() string {
	return fmt.Sprintf("RecordKey{ts=%d, vehicle=%d}", k.Timestamp, k.VehicleID)
}
