package opt

import (
	"context"
	"errors"
	"math"
	"testing"

	"farmroute/internal/geo"
	"farmroute/internal/model"
)

func TestLocalVisitsEveryPointOnce(t *testing.T) {
	req := Request{
		Start: model.GeoPoint{Lat: 40.0, Lng: -75.0},
		Points: []Point{
			{ID: "a", Location: model.GeoPoint{Lat: 40.5, Lng: -75.0}},
			{ID: "b", Location: model.GeoPoint{Lat: 40.1, Lng: -75.0}},
			{ID: "c", Location: model.GeoPoint{Lat: 40.3, Lng: -75.0}},
		},
		Strategy: model.StrategyBalanced,
	}
	res, err := NewLocal().Optimize(context.Background(), req)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(res.Stops) != 3 {
		t.Fatalf("got %d stops, want 3", len(res.Stops))
	}
	seen := map[string]bool{}
	for _, s := range res.Stops {
		if seen[s.ID] {
			t.Fatalf("point %s visited twice", s.ID)
		}
		seen[s.ID] = true
	}
	// Collinear points north of the start: greedy order is nearest first.
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if res.Stops[i].ID != id {
			t.Fatalf("stop %d = %s, want %s", i, res.Stops[i].ID, id)
		}
	}
	if res.Source != model.RouteLocal {
		t.Fatalf("source = %s, want %s", res.Source, model.RouteLocal)
	}
}

func TestLocalDistanceMatchesHops(t *testing.T) {
	start := model.GeoPoint{Lat: 0, Lng: 0}
	req := Request{
		Start: start,
		Points: []Point{
			{ID: "far", Location: model.GeoPoint{Lat: 0, Lng: 2}},
			{ID: "near", Location: model.GeoPoint{Lat: 0, Lng: 1}},
		},
	}
	res, err := NewLocal().Optimize(context.Background(), req)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	want := geo.Haversine(start, req.Points[1].Location) +
		geo.Haversine(req.Points[1].Location, req.Points[0].Location)
	if math.Abs(res.TotalDistanceM-want) > 1e-6 {
		t.Fatalf("total distance %.3f, want %.3f", res.TotalDistanceM, want)
	}
	if res.TotalDurationSec != int(want*SecondsPerMeter) {
		t.Fatalf("duration %d, want %d", res.TotalDurationSec, int(want*SecondsPerMeter))
	}
}

func TestLocalDistanceAtLeastStraightLineToFarthest(t *testing.T) {
	// Non-collinear spread around the start. Any tour visiting every
	// point covers at least the straight line to the farthest one.
	start := model.GeoPoint{Lat: 45.0, Lng: -122.0}
	req := Request{
		Start: start,
		Points: []Point{
			{ID: "a", Location: model.GeoPoint{Lat: 45.2, Lng: -122.3}},
			{ID: "b", Location: model.GeoPoint{Lat: 44.9, Lng: -121.8}},
			{ID: "c", Location: model.GeoPoint{Lat: 45.6, Lng: -122.1}},
			{ID: "d", Location: model.GeoPoint{Lat: 45.1, Lng: -121.5}},
		},
	}
	res, err := NewLocal().Optimize(context.Background(), req)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	farthest := 0.0
	for _, p := range req.Points {
		if d := geo.Haversine(start, p.Location); d > farthest {
			farthest = d
		}
	}
	if res.TotalDistanceM < farthest {
		t.Fatalf("total distance %.1f below straight-line bound %.1f", res.TotalDistanceM, farthest)
	}
}

func TestLocalTiesKeepInputOrder(t *testing.T) {
	// Two points equidistant from the start, east and west.
	req := Request{
		Start: model.GeoPoint{Lat: 0, Lng: 0},
		Points: []Point{
			{ID: "west", Location: model.GeoPoint{Lat: 0, Lng: -1}},
			{ID: "east", Location: model.GeoPoint{Lat: 0, Lng: 1}},
		},
	}
	for range 5 {
		res, err := NewLocal().Optimize(context.Background(), req)
		if err != nil {
			t.Fatalf("optimize: %v", err)
		}
		if res.Stops[0].ID != "west" || res.Stops[1].ID != "east" {
			t.Fatalf("tie broken against input order: %s, %s", res.Stops[0].ID, res.Stops[1].ID)
		}
	}
}

func TestLocalEmptyPoints(t *testing.T) {
	res, err := NewLocal().Optimize(context.Background(), Request{Start: model.GeoPoint{Lat: 1, Lng: 1}})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(res.Stops) != 0 || res.TotalDistanceM != 0 || res.TotalDurationSec != 0 {
		t.Fatalf("empty request produced non-empty result: %+v", res)
	}
}

func TestLocalRejectsInvalidCoordinates(t *testing.T) {
	_, err := NewLocal().Optimize(context.Background(), Request{
		Start:  model.GeoPoint{Lat: 91, Lng: 0},
		Points: []Point{{ID: "a", Location: model.GeoPoint{Lat: 0, Lng: 0}}},
	})
	if !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("err = %v, want ErrInvalidCoordinate", err)
	}

	_, err = NewLocal().Optimize(context.Background(), Request{
		Start:  model.GeoPoint{Lat: 0, Lng: 0},
		Points: []Point{{ID: "a", Location: model.GeoPoint{Lat: math.NaN(), Lng: 0}}},
	})
	if !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("err = %v, want ErrInvalidCoordinate", err)
	}
}
