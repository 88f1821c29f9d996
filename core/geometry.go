package core

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/contact-trace/model"
)

const (
	// metersPerMile converts statute miles to metres.
	metersPerMile = 1609.344

	// EarthRadiusMiles is the mean Earth radius used by the Haversine model.
	EarthRadiusMiles = 3958.75

	// EarthRadiusMeters is EarthRadiusMiles expressed in metres.
	EarthRadiusMeters = EarthRadiusMiles * metersPerMile

	// statuteMilesPerDegree is sixty nautical miles per degree of arc,
	// expressed in statute miles.
	statuteMilesPerDegree = 60 * 1.1515
)

// WGS-84 ellipsoid parameters.
const (
	wgs84SemiMajor  = 6378137.0
	wgs84SemiMinor  = 6356752.314245
	wgs84Flattening = 1 / 298.257223563
)

const (
	vincentyMaxIterations = 100
	vincentyTolerance     = 1e-12
)

// Algorithm selects the distance model used by contact detection.
type Algorithm int

const (
	// AlgorithmHaversine is the default: stable for short distances and cheap.
	AlgorithmHaversine Algorithm = iota
	// AlgorithmPlane uses the spherical law of cosines.
	AlgorithmPlane
	// AlgorithmVincenty solves the ellipsoidal inverse problem iteratively.
	AlgorithmVincenty
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmPlane:
		return "plane"
	case AlgorithmHaversine:
		return "haversine"
	case AlgorithmVincenty:
		return "vincenty"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps a configuration name to an Algorithm. An empty name
// selects Haversine.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "haversine":
		return AlgorithmHaversine, nil
	case "plane", "geometric", "cosines":
		return AlgorithmPlane, nil
	case "vincenty":
		return AlgorithmVincenty, nil
	default:
		return 0, fmt.Errorf("unknown distance algorithm %q", name)
	}
}

// Distance returns the surface distance between a and b in metres under the
// selected model. Vincenty may return NaN when it fails to converge.
func (a Algorithm) Distance(p, q model.Point) float64 {
	switch a {
	case AlgorithmPlane:
		return PlaneDistance(p, q)
	case AlgorithmVincenty:
		return VincentyDistance(p, q)
	default:
		return HaversineDistance(p, q)
	}
}

// Within reports whether distance d is inside threshold. The bound is
// inclusive; NaN is never within range.
func Within(d, threshold float64) bool {
	return !math.IsNaN(d) && d <= threshold
}

// PlaneDistance computes the great-circle distance with the spherical law of
// cosines. It is the cheapest model but loses precision for very short and
// near-antipodal separations.
func PlaneDistance(p, q model.Point) float64 {
	theta := p.Longitude - q.Longitude
	lat1 := deg2rad(p.Latitude)
	lat2 := deg2rad(q.Latitude)

	cosDist := math.Sin(lat1)*math.Sin(lat2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Cos(deg2rad(theta))
	if cosDist > 1 {
		cosDist = 1
	} else if cosDist < -1 {
		cosDist = -1
	}

	degrees := rad2deg(math.Acos(cosDist))
	return degrees * statuteMilesPerDegree * metersPerMile
}

// HaversineDistance computes the great-circle distance with the half-angle
// formula on a sphere of radius EarthRadiusMeters.
func HaversineDistance(p, q model.Point) float64 {
	dLat := deg2rad(q.Latitude - p.Latitude)
	dLon := deg2rad(q.Longitude - p.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat +
		sinLon*sinLon*math.Cos(deg2rad(p.Latitude))*math.Cos(deg2rad(q.Latitude))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// VincentyDistance computes the geodesic distance on the WGS-84 ellipsoid.
// It returns NaN if the iteration does not converge within the cap.
func VincentyDistance(p, q model.Point) float64 {
	d, _ := vincenty(p, q, vincentyMaxIterations)
	return d
}

// vincenty returns the distance along with the number of lambda iterations
// performed. Co-incident points return (0, 0).
func vincenty(p, q model.Point, maxIterations int) (float64, int) {
	const (
		a = wgs84SemiMajor
		b = wgs84SemiMinor
		f = wgs84Flattening
	)

	L := deg2rad(q.Longitude - p.Longitude)
	U1 := math.Atan((1 - f) * math.Tan(deg2rad(p.Latitude)))
	U2 := math.Atan((1 - f) * math.Tan(deg2rad(q.Latitude)))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	var (
		sinSigma, cosSigma, sigma float64
		cosSqAlpha, cos2SigmaM    float64
	)

	lambda := L
	iterations := 0
	converged := false
	for iterations < maxIterations {
		sinLambda, cosLambda := math.Sincos(lambda)
		x := cosU2 * sinLambda
		y := cosU1*sinU2 - sinU1*cosU2*cosLambda
		sinSigma = math.Sqrt(x*x + y*y)
		if sinSigma == 0 {
			return 0, iterations
		}
		iterations++

		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		if math.IsNaN(cos2SigmaM) {
			// Equatorial line: cosSqAlpha == 0.
			cos2SigmaM = 0
		}

		C := f / 16 * cosSqAlpha * (4 + f*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*f*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < vincentyTolerance {
			converged = true
			break
		}
	}
	if !converged {
		return math.NaN(), iterations
	}

	uSq := cosSqAlpha * (a*a - b*b) / (b * b)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*
		(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
			B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
	return b * A * (sigma - deltaSigma), iterations
}

func deg2rad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func rad2deg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
