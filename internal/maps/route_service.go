// README: Google Maps travel estimates used to enrich cab requests.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"
)

var ErrNoRoute = errors.New("no route found")

// directions is the subset of *maps.Client used here.
type directions interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// Estimate is a driving estimate between two addresses.
type Estimate struct {
	Duration time.Duration
	Distance string
	Meters   int
}

type RouteService struct {
	client   directions
	language string
	region   string
}

func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return newRouteService(client), nil
}

func newRouteService(client directions) *RouteService {
	return &RouteService{client: client, language: "en", region: ""}
}

// WithLocale biases results, e.g. ("zh-TW", "TW").
func (s *RouteService) WithLocale(language, region string) *RouteService {
	s.language, s.region = language, region
	return s
}

// TravelEstimate returns the driving estimate for the first route found.
func (s *RouteService) TravelEstimate(ctx context.Context, origin, destination string) (Estimate, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin,
		Destination: destination,
		Mode:        maps.TravelModeDriving,
		Language:    s.language,
		Region:      s.region,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return Estimate{Duration: leg.Duration, Distance: leg.Distance.HumanReadable, Meters: leg.Distance.Meters}, nil
}
