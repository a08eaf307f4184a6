package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"farmroute/internal/geo"
	"farmroute/internal/metrics"
	"farmroute/internal/model"
	"farmroute/internal/opt"
)

// OptimizeRoute re-sequences the unresolved drop-offs of an active
// batch. callerDriverID enforces ownership; pass "" for admin or
// internal callers. The previous route is preserved verbatim in the
// optimization history record.
func (s *Service) OptimizeRoute(ctx context.Context, callerDriverID, batchID string, req model.OptimizeRequest) (model.OptimizeResponse, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = model.StrategyBalanced
	}
	if !model.ValidStrategy(strategy) {
		return model.OptimizeResponse{}, fmt.Errorf("unknown strategy %q: %w", strategy, model.ErrInvalidInput)
	}

	b, err := s.Store.GetBatch(ctx, batchID)
	if err != nil {
		return model.OptimizeResponse{}, err
	}
	if b.Status != model.BatchActive {
		return model.OptimizeResponse{}, fmt.Errorf("batch %s is %s: %w", batchID, b.Status, model.ErrNotFound)
	}
	if callerDriverID != "" && b.DriverID != callerDriverID {
		return model.OptimizeResponse{}, fmt.Errorf("batch %s belongs to another driver: %w", batchID, model.ErrForbidden)
	}

	start, err := s.resolveLocation(ctx, b.DriverID, req.Location)
	if err != nil {
		return model.OptimizeResponse{}, err
	}

	points := []opt.Point{}
	for _, d := range b.Deliveries {
		if d.Status.Terminal() {
			continue
		}
		points = append(points, opt.Point{
			ID:         d.ID,
			Name:       d.CustomerName,
			Address:    d.DropoffAddress,
			Location:   d.Dropoff,
			DeliveryID: d.ID,
			OrderID:    d.OrderID,
		})
	}
	if len(points) == 0 {
		return model.OptimizeResponse{}, fmt.Errorf("batch %s: %w", batchID, model.ErrEmptyBatch)
	}

	began := time.Now()
	res, err := s.runOptimizer(ctx, opt.Request{Start: start, Points: points, Strategy: strategy})
	if err != nil {
		return model.OptimizeResponse{}, err
	}
	computeMs := time.Since(began).Milliseconds()
	metrics.Optimizations.WithLabelValues(string(strategy), string(res.Source)).Inc()
	metrics.OptimizationDuration.WithLabelValues(string(res.Source)).Observe(time.Since(began).Seconds())

	previous := b.Route
	next := composeRoute(previous, res)

	saved := previous.TotalDistanceM - next.TotalDistanceM
	savedSec := previous.TotalDurationSec - next.TotalDurationSec
	score := 0.0
	if previous.TotalDistanceM > 0 {
		score = saved / previous.TotalDistanceM
	}

	rec, err := s.Store.SaveOptimization(ctx, model.OptimizationRecord{
		ID:             uuid.New().String(),
		BatchID:        b.ID,
		DriverID:       b.DriverID,
		PreviousRoute:  previous,
		OptimizedRoute: next,
		Strategy:       strategy,
		Source:         res.Source,
		ComputeMs:      computeMs,
		DistanceSavedM: saved,
		TimeSavedSec:   savedSec,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return model.OptimizeResponse{}, err
	}

	updated, err := s.Store.UpdateBatchRoute(ctx, b.ID, next, strategy, score)
	if err != nil {
		return model.OptimizeResponse{}, err
	}

	return model.OptimizeResponse{
		Batch:          updated,
		Record:         rec,
		DistanceSavedM: saved,
		TimeSavedSec:   savedSec,
	}, nil
}

// composeRoute keeps the previous route's pickup stops in order and
// replaces its drop-off tail with the optimizer's sequence. Totals are
// recomputed over the full stop list, pickup legs included, so they
// stay comparable with the provisional route's totals.
func composeRoute(previous model.Route, res opt.Result) model.Route {
	stops := []model.RouteStop{}
	for _, st := range previous.Stops {
		if st.Kind == model.StopPickup {
			stops = append(stops, st)
		}
	}
	for _, p := range res.Stops {
		stops = append(stops, model.RouteStop{
			ID:          uuid.New().String(),
			Kind:        model.StopDropoff,
			Name:        p.Name,
			Address:     p.Address,
			Location:    p.Location,
			OrderID:     p.OrderID,
			DeliveryIDs: []string{p.DeliveryID},
		})
	}
	total := 0.0
	for i := range stops {
		stops[i].Seq = i + 1
		if i > 0 {
			total += geo.Haversine(stops[i-1].Location, stops[i].Location)
		}
	}
	return model.Route{
		Stops:            stops,
		TotalDistanceM:   total,
		TotalDurationSec: int(total * opt.SecondsPerMeter),
		Source:           res.Source,
	}
}

// History returns the append-only optimization records for a batch.
func (s *Service) History(ctx context.Context, batchID string) ([]model.OptimizationRecord, error) {
	if _, err := s.Store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.Store.ListOptimizations(ctx, batchID)
}
