package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"farmroute/internal/geo"
	"farmroute/internal/model"
)

// UpdateProgress advances one delivery through the status state machine
// and settles the batch when its last member reaches a terminal state.
// A reported location updates the driver profile best-effort; a failure
// there never fails the status change.
func (s *Service) UpdateProgress(ctx context.Context, callerDriverID, batchID, deliveryID string, req model.ProgressRequest) (model.ProgressResponse, error) {
	if !model.ValidDeliveryStatus(req.Status) {
		return model.ProgressResponse{}, fmt.Errorf("unknown status %q: %w", req.Status, model.ErrInvalidInput)
	}
	if req.Location != nil {
		if err := geo.Validate(*req.Location); err != nil {
			return model.ProgressResponse{}, err
		}
	}

	b, err := s.Store.GetBatch(ctx, batchID)
	if err != nil {
		return model.ProgressResponse{}, err
	}
	if callerDriverID != "" && b.DriverID != callerDriverID {
		return model.ProgressResponse{}, fmt.Errorf("batch %s belongs to another driver: %w", batchID, model.ErrForbidden)
	}

	now := time.Now()
	d, completed, err := s.Store.UpdateDeliveryProgress(ctx, batchID, deliveryID, req.Status, req.Notes, now)
	if err != nil {
		return model.ProgressResponse{}, err
	}

	if req.Location != nil {
		if err := s.Store.UpdateDriverLocation(ctx, b.DriverID, *req.Location, now); err != nil {
			log.Printf("driver %s location update failed: %v", b.DriverID, err)
		}
	}

	return model.ProgressResponse{Delivery: d, BatchCompleted: completed}, nil
}
