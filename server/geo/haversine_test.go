package geo

import (
	"math"
	"testing"

	"github.com/convoylink/convoyd/server/domain"
)

func TestDistanceZero(t *testing.T) {
	p := domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219}
	if d := DistanceMeters(p, p); d != 0 {
		t.Errorf("Expected 0 distance for identical points, got %f", d)
	}
}

func TestDistanceNairobiOffsets(t *testing.T) {
	// Leader downtown Nairobi, follower ~1.8km away. Reference value computed
	// with the same spherical radius.
	leader := domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219}
	follower := domain.Coordinates{Latitude: -1.3050, Longitude: 36.8320}

	d := DistanceMeters(leader, follower)
	if d < 1700 || d > 2000 {
		t.Errorf("Expected ~1.85km, got %f m", d)
	}
}

func TestDistanceShortRange(t *testing.T) {
	a := domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219}
	b := domain.Coordinates{Latitude: -1.2922, Longitude: 36.8220}

	d := DistanceMeters(a, b)
	if d < 5 || d > 30 {
		t.Errorf("Expected ~15m, got %f m", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := domain.Coordinates{Latitude: 51.5007, Longitude: -0.1246}
	b := domain.Coordinates{Latitude: 48.8584, Longitude: 2.2945}

	d1 := DistanceMeters(a, b)
	d2 := DistanceMeters(b, a)
	if math.Abs(d1-d2) > 1e-6 {
		t.Errorf("Distance not symmetric: %f vs %f", d1, d2)
	}
	// London Eye to Eiffel Tower is ~340km.
	if d1 < 330000 || d1 > 350000 {
		t.Errorf("Expected ~340km, got %f m", d1)
	}
}

func TestAntipodalClamped(t *testing.T) {
	a := domain.Coordinates{Latitude: 0, Longitude: 0}
	b := domain.Coordinates{Latitude: 0, Longitude: 180}

	d := DistanceMeters(a, b)
	half := math.Pi * EarthRadiusMeters
	if math.Abs(d-half) > 1000 {
		t.Errorf("Expected half circumference %f, got %f", half, d)
	}
}
