package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"farmroute/internal/geo"
	"farmroute/internal/model"
	"farmroute/internal/opt"
)

// Store is the persistence interface used by the API server. Both
// implementations guarantee that CreateBatch and UpdateDeliveryProgress
// are atomic: concurrent callers observe either the full effect or none.
type Store interface {
	// Deliveries
	ListPendingDeliveries(ctx context.Context) ([]model.Delivery, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)

	// Drivers
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	UpdateDriverLocation(ctx context.Context, driverID string, loc model.GeoPoint, at time.Time) error

	// Batches
	CreateBatch(ctx context.Context, driverID string, deliveryIDs []string) (model.Batch, error)
	GetBatch(ctx context.Context, id string) (model.Batch, error)
	ListActiveBatches(ctx context.Context, driverID string) ([]model.Batch, error)
	UpdateBatchRoute(ctx context.Context, batchID string, route model.Route, strategy model.Strategy, score float64) (model.Batch, error)

	// Progress. The bool result reports whether this update completed
	// the whole batch.
	UpdateDeliveryProgress(ctx context.Context, batchID, deliveryID string, status model.DeliveryStatus, notes string, now time.Time) (model.Delivery, bool, error)

	// Optimization history, append-only
	SaveOptimization(ctx context.Context, rec model.OptimizationRecord) (model.OptimizationRecord, error)
	ListOptimizations(ctx context.Context, batchID string) ([]model.OptimizationRecord, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)

	// Webhook delivery queue
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error

	Ping(ctx context.Context) error
}

// WebhookDelivery is one queued outbound webhook attempt record.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

// skeletonRoute builds the provisional route stored at batch creation:
// each unique pickup farm once in first-seen order, then the drop-offs
// in delivery input order. Totals are the chained leg distances; no
// sequencing happens here.
func skeletonRoute(deliveries []model.Delivery) model.Route {
	stops := make([]model.RouteStop, 0, 2*len(deliveries))
	farmSeen := map[string]int{}

	for _, d := range deliveries {
		if i, ok := farmSeen[d.FarmID]; ok {
			stops[i].DeliveryIDs = append(stops[i].DeliveryIDs, d.ID)
			continue
		}
		farmSeen[d.FarmID] = len(stops)
		stops = append(stops, model.RouteStop{
			ID:          uuid.New().String(),
			Kind:        model.StopPickup,
			Name:        d.FarmName,
			Address:     d.PickupAddress,
			Location:    d.Pickup,
			FarmID:      d.FarmID,
			DeliveryIDs: []string{d.ID},
		})
	}
	for _, d := range deliveries {
		stops = append(stops, model.RouteStop{
			ID:          uuid.New().String(),
			Kind:        model.StopDropoff,
			Name:        d.CustomerName,
			Address:     d.DropoffAddress,
			Location:    d.Dropoff,
			OrderID:     d.OrderID,
			DeliveryIDs: []string{d.ID},
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
		Source:           model.RouteSkeleton,
	}
}
