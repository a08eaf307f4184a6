package model

import "time"

// MaxBatchSize bounds how many deliveries a driver may carry across
// active batches at any time. The capacity check in batch creation and
// the per-batch size validation both use this constant.
const MaxBatchSize = 3

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryAssigned   DeliveryStatus = "assigned"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryCompleted  DeliveryStatus = "completed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
	DeliveryFailed     DeliveryStatus = "failed"
)

type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

type Strategy string

const (
	StrategyFastest  Strategy = "fastest"
	StrategyShortest Strategy = "shortest"
	StrategyBalanced Strategy = "balanced"
)

// ValidStrategy reports whether s is a recognized optimization objective.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyFastest, StrategyShortest, StrategyBalanced:
		return true
	}
	return false
}

type StopKind string

const (
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
)

// Delivery is one order's fulfillment leg from a pickup farm to a customer.
type Delivery struct {
	ID       string         `json:"id"`
	OrderID  string         `json:"orderId"`
	DriverID string         `json:"driverId,omitempty"`
	BatchID  string         `json:"batchId,omitempty"`
	Status   DeliveryStatus `json:"status"`

	FarmID         string   `json:"farmId"`
	FarmName       string   `json:"farmName,omitempty"`
	PickupAddress  string   `json:"pickupAddress,omitempty"`
	Pickup         GeoPoint `json:"pickup"`
	CustomerName   string   `json:"customerName,omitempty"`
	DropoffAddress string   `json:"dropoffAddress,omitempty"`
	Dropoff        GeoPoint `json:"dropoff"`

	ScheduledPickupAt   *time.Time `json:"scheduledPickupAt,omitempty"`
	PickedUpAt          *time.Time `json:"pickedUpAt,omitempty"`
	ScheduledDeliveryAt *time.Time `json:"scheduledDeliveryAt,omitempty"`
	DeliveredAt         *time.Time `json:"deliveredAt,omitempty"`

	DistanceM float64 `json:"distanceM,omitempty"`
	FeeCents  int64   `json:"feeCents,omitempty"`

	FeedbackRating int    `json:"feedbackRating,omitempty"`
	FeedbackNotes  string `json:"feedbackNotes,omitempty"`
	Notes          string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// RouteStop is a single point in a route: a farm pickup or a customer
// drop-off, linked back to the deliveries it serves.
type RouteStop struct {
	ID          string   `json:"id"`
	Seq         int      `json:"seq"`
	Kind        StopKind `json:"kind"`
	Name        string   `json:"name,omitempty"`
	Address     string   `json:"address,omitempty"`
	Location    GeoPoint `json:"location"`
	FarmID      string   `json:"farmId,omitempty"`
	OrderID     string   `json:"orderId,omitempty"`
	DeliveryIDs []string `json:"deliveryIds"`
}

// RouteSource records which planner produced a route.
type RouteSource string

const (
	RouteSkeleton RouteSource = "skeleton"
	RouteRemote   RouteSource = "remote"
	RouteLocal    RouteSource = "local"
)

type Route struct {
	Stops            []RouteStop `json:"stops"`
	TotalDistanceM   float64     `json:"totalDistanceM"`
	TotalDurationSec int         `json:"totalDurationSec"`
	Source           RouteSource `json:"source"`
}

// Batch is a driver's bounded work unit of at most MaxBatchSize deliveries.
type Batch struct {
	ID              string      `json:"id"`
	DriverID        string      `json:"driverId"`
	Status          BatchStatus `json:"status"`
	Route           Route       `json:"route"`
	DeliveryCount   int         `json:"deliveryCount"`
	Strategy        Strategy    `json:"strategy,omitempty"`
	EfficiencyScore float64     `json:"efficiencyScore,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`

	Deliveries []Delivery `json:"deliveries,omitempty"`
}

// OptimizationRecord is the append-only audit row written once per
// optimization run. Rows are never mutated after insert.
type OptimizationRecord struct {
	ID             string      `json:"id"`
	BatchID        string      `json:"batchId"`
	DriverID       string      `json:"driverId"`
	PreviousRoute  Route       `json:"previousRoute"`
	OptimizedRoute Route       `json:"optimizedRoute"`
	Strategy       Strategy    `json:"strategy"`
	Source         RouteSource `json:"source"`
	ComputeMs      int64       `json:"computeMs"`
	DistanceSavedM float64     `json:"distanceSavedM"`
	TimeSavedSec   int         `json:"timeSavedSec"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Driver carries the profile fields this service reads: identity plus the
// last reported location, which the progress tracker also write-updates.
type Driver struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Location   *GeoPoint  `json:"location,omitempty"`
	LocationAt *time.Time `json:"locationAt,omitempty"`
}

// AvailableDelivery is a pending, unassigned delivery annotated with the
// approximate skeleton distance from the driver's location.
type AvailableDelivery struct {
	Delivery
	ApproxDistanceM float64 `json:"approxDistanceM"`
}

// Requests and responses for the driver-facing API.

type CreateBatchRequest struct {
	DeliveryIDs    []string  `json:"deliveryIds"`
	OptimizedRoute bool      `json:"optimizedRoute,omitempty"`
	Location       *GeoPoint `json:"location,omitempty"`
}

type OptimizeRequest struct {
	Strategy Strategy  `json:"strategy,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
}

type OptimizeResponse struct {
	Batch          Batch              `json:"batch"`
	Record         OptimizationRecord `json:"optimization"`
	DistanceSavedM float64            `json:"distanceSavedM"`
	TimeSavedSec   int                `json:"timeSavedSec"`
}

type ProgressRequest struct {
	Status   DeliveryStatus `json:"status"`
	Location *GeoPoint      `json:"location,omitempty"`
	Notes    string         `json:"notes,omitempty"`
}

type ProgressResponse struct {
	Delivery       Delivery `json:"delivery"`
	BatchCompleted bool     `json:"batchCompleted"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
