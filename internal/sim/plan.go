package sim

import (
	"cmp"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/contact-trace/model"
)

// ContactPlan groups contacts by the unordered pair of vehicles involved.
// Each pair's contacts are sorted by start, then stop.
type ContactPlan map[model.VehiclePair][]model.Contact

// BuildContactPlan groups contacts into a plan.
func BuildContactPlan(contacts []model.Contact) ContactPlan {
	plan := make(ContactPlan)
	for _, c := range contacts {
		p := c.Pair()
		plan[p] = append(plan[p], c)
	}
	for p, cs := range plan {
		slices.SortFunc(cs, func(a, b model.Contact) int {
			if r := cmp.Compare(a.Start, b.Start); r != 0 {
				return r
			}
			if r := cmp.Compare(a.Stop, b.Stop); r != 0 {
				return r
			}
			return a.Compare(b)
		})
		plan[p] = cs
	}
	return plan
}

// Pairs returns the plan's vehicle pairs in ascending order.
func (p ContactPlan) Pairs() []model.VehiclePair {
	pairs := make([]model.VehiclePair, 0, len(p))
	for pair := range p {
		pairs = append(pairs, pair)
	}
	slices.SortFunc(pairs, func(a, b model.VehiclePair) int {
		if r := cmp.Compare(a.Low, b.Low); r != 0 {
			return r
		}
		return cmp.Compare(a.High, b.High)
	})
	return pairs
}

// ForVehicle returns the sub-plan of pairs that include vehicle.
func (p ContactPlan) ForVehicle(vehicle int32) ContactPlan {
	out := make(ContactPlan)
	for pair, cs := range p {
		if pair.Low == vehicle || pair.High == vehicle {
			out[pair] = cs
		}
	}
	return out
}

// Summary describes a generated contact trace.
type Summary struct {
	Records           int
	Vehicles          int
	Contacts          int
	Pairs             int
	VehiclesInContact int
	MeanLag           time.Duration
	MedianLag         time.Duration
	P95Lag            time.Duration
}

// Summarize computes summary statistics over contacts. Lag is the gap between
// the two reports of a contact, |stop - start|.
func Summarize(records, vehicles int, contacts []model.Contact) Summary {
	s := Summary{
		Records:  records,
		Vehicles: vehicles,
		Contacts: len(contacts),
	}
	if len(contacts) == 0 {
		return s
	}

	pairs := make(map[model.VehiclePair]struct{})
	inContact := make(map[int32]struct{})
	lags := make([]float64, 0, len(contacts))
	for _, c := range contacts {
		pairs[c.Pair()] = struct{}{}
		inContact[c.VehicleA] = struct{}{}
		inContact[c.VehicleB] = struct{}{}
		lags = append(lags, float64(c.Lag()))
	}
	s.Pairs = len(pairs)
	s.VehiclesInContact = len(inContact)

	slices.Sort(lags)
	s.MeanLag = millis(stat.Mean(lags, nil))
	s.MedianLag = millis(stat.Quantile(0.5, stat.Empirical, lags, nil))
	s.P95Lag = millis(stat.Quantile(0.95, stat.Empirical, lags, nil))
	return s
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
