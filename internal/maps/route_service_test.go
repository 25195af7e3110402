package maps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"
)

type fakeDirections struct {
	routes []maps.Route
	err    error
	got    *maps.DirectionsRequest
}

func (f *fakeDirections) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.got = r
	return f.routes, nil, f.err
}

func TestTravelEstimate(t *testing.T) {
	f := &fakeDirections{routes: []maps.Route{{
		Legs: []*maps.Leg{{
			Duration: 12 * time.Minute,
			Distance: maps.Distance{HumanReadable: "5.2 km", Meters: 5200},
		}},
	}}}
	s := newRouteService(f).WithLocale("zh-TW", "TW")

	est, err := s.TravelEstimate(context.Background(), "Taipei 101", "Taipei Main Station")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Minute, est.Duration)
	assert.Equal(t, "5.2 km", est.Distance)
	assert.Equal(t, 5200, est.Meters)
	assert.Equal(t, maps.TravelModeDriving, f.got.Mode)
	assert.Equal(t, "TW", f.got.Region)
}

func TestTravelEstimateNoRoute(t *testing.T) {
	s := newRouteService(&fakeDirections{})
	_, err := s.TravelEstimate(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestTravelEstimateAPIError(t *testing.T) {
	boom := errors.New("quota")
	s := newRouteService(&fakeDirections{err: boom})
	_, err := s.TravelEstimate(context.Background(), "a", "b")
	assert.ErrorIs(t, err, boom)
}
