package model

import (
	"cmp"
	"fmt"
)

// Contact is a proximity event between two distinct vehicles.
//
// VehicleA is always the vehicle of the anchor record that triggered the
// detection and Start is that record's timestamp; VehicleB and Stop come from
// the later record in the anchor's forward window. The tuple is deliberately
// not canonicalised: two anchors observing the same encounter may produce
// (a, b, t1, t2) and (b, a, t2', t1') as distinct contacts.
//
// Contact is comparable and is used directly as a set key.
type Contact struct {
	VehicleA int32
	VehicleB int32
	Start    int64 // epoch milliseconds
	Stop     int64 // epoch milliseconds
}

// Compare orders contacts by vehicle A, vehicle B, start, then stop.
func (c Contact) Compare(other Contact) int {
	if r := cmp.Compare(c.VehicleA, other.VehicleA); r != 0 {
		return r
	}
	if r := cmp.Compare(c.VehicleB, other.VehicleB); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Start, other.Start); r != 0 {
		return r
	}
	return cmp.Compare(c.Stop, other.Stop)
}

// Pair returns the unordered vehicle pair involved in the contact.
func (c Contact) Pair() VehiclePair {
	return NewVehiclePair(c.VehicleA, c.VehicleB)
}

// Lag returns |Stop - Start| in milliseconds.
func (c Contact) Lag() int64 {
	if c.Stop >= c.Start {
		return c.Stop - c.Start
	}
	return c.Start - c.Stop
}

// String renders the contact in the contact-trace line format.
func (c Contact) String() string {
	return fmt.Sprintf("%d %d %d %d", c.VehicleA, c.VehicleB, c.Start, c.Stop)
}

// VehiclePair is an unordered pair of vehicles, stored with Low <= High.
type VehiclePair struct {
	Low  int32
	High int32
}

// NewVehiclePair builds the canonical pair for a and b.
func NewVehiclePair(a, b int32) VehiclePair {
	if a > b {
		a, b = b, a
	}
	return VehiclePair{Low: a, High: b}
}

func (p VehiclePair) String() string {
	return fmt.Sprintf("%d-%d", p.Low, p.High)
}
