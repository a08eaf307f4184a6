package service

import (
	"context"
	"fmt"
	"log"

	"farmroute/internal/model"
)

// CreateBatch claims 1..MaxBatchSize pending deliveries for a driver as
// one atomic unit and stores a provisional route. With OptimizedRoute
// set it additionally runs a balanced optimization; if that fails for
// any reason the batch is kept with its provisional route.
func (s *Service) CreateBatch(ctx context.Context, driverID string, req model.CreateBatchRequest) (model.Batch, error) {
	if len(req.DeliveryIDs) == 0 {
		return model.Batch{}, fmt.Errorf("deliveryIds must not be empty: %w", model.ErrInvalidInput)
	}
	seen := map[string]bool{}
	for _, id := range req.DeliveryIDs {
		if id == "" {
			return model.Batch{}, fmt.Errorf("empty delivery id: %w", model.ErrInvalidInput)
		}
		if seen[id] {
			return model.Batch{}, fmt.Errorf("duplicate delivery id %s: %w", id, model.ErrInvalidInput)
		}
		seen[id] = true
	}

	b, err := s.Store.CreateBatch(ctx, driverID, req.DeliveryIDs)
	if err != nil {
		return model.Batch{}, err
	}

	if req.OptimizedRoute {
		resp, err := s.OptimizeRoute(ctx, "", b.ID, model.OptimizeRequest{
			Strategy: model.StrategyBalanced,
			Location: req.Location,
		})
		if err != nil {
			log.Printf("batch %s created, initial optimization skipped: %v", b.ID, err)
			return b, nil
		}
		return resp.Batch, nil
	}
	return b, nil
}
