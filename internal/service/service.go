// Package service implements the delivery batching and route
// optimization flows on top of the store. Handlers stay thin; the
// business rules live here.
package service

import (
	"context"
	"log"

	"farmroute/internal/metrics"
	"farmroute/internal/opt"
	"farmroute/internal/store"
)

type Service struct {
	Store  store.Store
	Remote opt.Optimizer // nil when no remote optimizer is configured
	Local  opt.Optimizer
}

func New(st store.Store, remote opt.Optimizer) *Service {
	return &Service{Store: st, Remote: remote, Local: opt.NewLocal()}
}

// runOptimizer tries the remote optimizer once and falls back to the
// local planner on any failure. Remote failures are never surfaced to
// the caller; only a local planner error propagates.
func (s *Service) runOptimizer(ctx context.Context, req opt.Request) (opt.Result, error) {
	if s.Remote != nil {
		res, err := s.Remote.Optimize(ctx, req)
		if err == nil {
			return res, nil
		}
		log.Printf("remote optimizer failed, using local fallback: %v", err)
		metrics.OptimizerFallbacks.Inc()
	}
	return s.Local.Optimize(ctx, req)
}
