// Package opt contains the route optimization strategies. Two
// implementations share one contract: a remote optimization service and
// a local greedy fallback. The caller tries the remote optimizer first
// and falls back to the local one on any error; that decision lives in
// the service layer, not here.
package opt

import (
	"context"

	"farmroute/internal/model"
)

// Point is one drop-off to be sequenced, carrying enough linkage to
// rebuild a route stop from the optimizer output.
type Point struct {
	ID         string
	Name       string
	Address    string
	Location   model.GeoPoint
	DeliveryID string
	OrderID    string
}

// Request is the uniform input for both strategies.
type Request struct {
	Start    model.GeoPoint
	Points   []Point
	Strategy model.Strategy
}

// Result is the uniform output contract: the visiting order plus total
// metrics for the tour from Start through every point.
type Result struct {
	Stops            []Point
	TotalDistanceM   float64
	TotalDurationSec int
	Source           model.RouteSource
}

// Optimizer sequences a set of drop-off points from a starting position.
type Optimizer interface {
	Optimize(ctx context.Context, req Request) (Result, error)
}
