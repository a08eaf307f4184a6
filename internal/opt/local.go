package opt

import (
	"context"
	"fmt"

	"farmroute/internal/geo"
	"farmroute/internal/model"
)

// SecondsPerMeter converts route distance into a duration estimate.
// A fixed linear factor, not a travel-time model.
const SecondsPerMeter = 2

// Local is the greedy nearest-neighbor fallback. From the starting
// position it repeatedly appends the closest remaining point and
// advances. The total distance is the running sum of the greedy hops and
// is intentionally not re-optimized after selection.
type Local struct{}

func NewLocal() Local { return Local{} }

func (Local) Optimize(ctx context.Context, req Request) (Result, error) {
	if err := geo.Validate(req.Start); err != nil {
		return Result{}, fmt.Errorf("optimize start: %w", err)
	}
	for _, p := range req.Points {
		if err := geo.Validate(p.Location); err != nil {
			return Result{}, fmt.Errorf("optimize point %s: %w", p.ID, err)
		}
	}

	remaining := make([]Point, len(req.Points))
	copy(remaining, req.Points)

	cur := req.Start
	stops := make([]Point, 0, len(remaining))
	total := 0.0

	for len(remaining) > 0 {
		best := 0
		bestDist := geo.Haversine(cur, remaining[0].Location)
		// Strict less keeps ties resolved by input order, so the result
		// is deterministic for equal distances.
		for i := 1; i < len(remaining); i++ {
			if d := geo.Haversine(cur, remaining[i].Location); d < bestDist {
				best, bestDist = i, d
			}
		}
		next := remaining[best]
		stops = append(stops, next)
		total += bestDist
		cur = next.Location
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	return Result{
		Stops:            stops,
		TotalDistanceM:   total,
		TotalDurationSec: int(total * SecondsPerMeter),
		Source:           model.RouteLocal,
	}, nil
}
