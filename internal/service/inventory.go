package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"farmroute/internal/geo"
	"farmroute/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type AvailableQuery struct {
	DriverID    string
	Location    *model.GeoPoint
	MaxDistance float64 // meters, 0 means no cap
	Page        int     // 1-based
	PageSize    int
}

type AvailablePage struct {
	Items    []model.AvailableDelivery `json:"items"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"pageSize"`
	Total    int                       `json:"total"`
}

// ListAvailable returns pending, unclaimed deliveries annotated with the
// approximate trip distance from the driver's position: driver to pickup
// plus pickup to drop-off. Results are sorted nearest first and paged.
func (s *Service) ListAvailable(ctx context.Context, q AvailableQuery) (AvailablePage, error) {
	loc, err := s.resolveLocation(ctx, q.DriverID, q.Location)
	if err != nil {
		return AvailablePage{}, err
	}
	if q.MaxDistance < 0 {
		return AvailablePage{}, fmt.Errorf("maxDistance must not be negative: %w", model.ErrInvalidInput)
	}

	pending, err := s.Store.ListPendingDeliveries(ctx)
	if err != nil {
		return AvailablePage{}, err
	}

	items := []model.AvailableDelivery{}
	for _, d := range pending {
		approx := geo.Haversine(loc, d.Pickup) + geo.Haversine(d.Pickup, d.Dropoff)
		if q.MaxDistance > 0 && approx > q.MaxDistance {
			continue
		}
		items = append(items, model.AvailableDelivery{Delivery: d, ApproxDistanceM: approx})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ApproxDistanceM < items[j].ApproxDistanceM
	})

	page := q.Page
	if page <= 0 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	total := len(items)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return AvailablePage{Items: items[start:end], Page: page, PageSize: size, Total: total}, nil
}

// resolveLocation prefers an explicit location over the driver's last
// reported one. With neither available the request cannot be served.
func (s *Service) resolveLocation(ctx context.Context, driverID string, explicit *model.GeoPoint) (model.GeoPoint, error) {
	if explicit != nil {
		if err := geo.Validate(*explicit); err != nil {
			return model.GeoPoint{}, err
		}
		return *explicit, nil
	}
	drv, err := s.Store.GetDriver(ctx, driverID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.GeoPoint{}, err
	}
	if err == nil && drv.Location != nil {
		return *drv.Location, nil
	}
	return model.GeoPoint{}, fmt.Errorf("driver location unknown: %w", model.ErrInvalidInput)
}
