package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmroute/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set and in
// tests. All mutating batch operations run under one mutex, which gives
// the same atomicity the Postgres store gets from transactions.
type Memory struct {
	mu         sync.Mutex
	deliveries map[string]*model.Delivery
	drivers    map[string]*model.Driver
	batches    map[string]*model.Batch
	batchOrder []string
	optHistory map[string][]model.OptimizationRecord // batchID -> records
	subs       map[string]model.Subscription
	subOrder   []string

	hooks     map[string]*memWebhook
	hookOrder []string
}

type memWebhook struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		deliveries: map[string]*model.Delivery{},
		drivers:    map[string]*model.Driver{},
		batches:    map[string]*model.Batch{},
		optHistory: map[string][]model.OptimizationRecord{},
		subs:       map[string]model.Subscription{},
		hooks:      map[string]*memWebhook{},
	}
}

// SeedDelivery inserts a delivery, defaulting ID, status and creation
// time. Used by tests and the demo data loader.
func (m *Memory) SeedDelivery(d model.Delivery) model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := d
	m.deliveries[d.ID] = &cp
	return d
}

func (m *Memory) SeedDriver(d model.Driver) model.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	cp := d
	m.drivers[d.ID] = &cp
	return d
}

func (m *Memory) ListPendingDeliveries(ctx context.Context) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Delivery{}
	for _, d := range m.deliveries {
		if d.Status == model.DeliveryPending && d.DriverID == "" {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
	}
	return *d, nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, model.ErrNotFound)
	}
	return *d, nil
}

func (m *Memory) UpdateDriverLocation(ctx context.Context, driverID string, loc model.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = &model.Driver{ID: driverID}
		m.drivers[driverID] = d
	}
	p := loc
	d.Location = &p
	t := at
	d.LocationAt = &t
	return nil
}

func (m *Memory) CreateBatch(ctx context.Context, driverID string, deliveryIDs []string) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]*model.Delivery, 0, len(deliveryIDs))
	conflicts := []string{}
	for _, id := range deliveryIDs {
		d, ok := m.deliveries[id]
		if !ok {
			return model.Batch{}, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
		}
		if d.Status != model.DeliveryPending || d.DriverID != "" {
			conflicts = append(conflicts, id)
			continue
		}
		members = append(members, d)
	}
	if len(conflicts) > 0 {
		return model.Batch{}, &model.ConflictError{DeliveryIDs: conflicts}
	}

	current := m.activeDeliveryCountLocked(driverID)
	if current+len(deliveryIDs) > model.MaxBatchSize {
		return model.Batch{}, &model.CapacityError{
			Current:  current,
			Incoming: len(deliveryIDs),
			Limit:    model.MaxBatchSize,
		}
	}

	now := time.Now()
	snap := make([]model.Delivery, 0, len(members))
	b := &model.Batch{
		ID:            uuid.New().String(),
		DriverID:      driverID,
		Status:        model.BatchActive,
		DeliveryCount: len(members),
		CreatedAt:     now,
	}
	for _, d := range members {
		d.Status = model.DeliveryAssigned
		d.DriverID = driverID
		d.BatchID = b.ID
		snap = append(snap, *d)
	}
	b.Route = skeletonRoute(snap)
	m.batches[b.ID] = b
	m.batchOrder = append(m.batchOrder, b.ID)

	out := *b
	out.Deliveries = snap
	return out, nil
}

// activeDeliveryCountLocked counts non-terminal deliveries across the
// driver's active batches. Callers hold m.mu.
func (m *Memory) activeDeliveryCountLocked(driverID string) int {
	n := 0
	for _, b := range m.batches {
		if b.DriverID != driverID || b.Status != model.BatchActive {
			continue
		}
		for _, d := range m.deliveries {
			if d.BatchID == b.ID && !d.Status.Terminal() {
				n++
			}
		}
	}
	return n
}

func (m *Memory) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.Batch{}, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	out := *b
	out.Deliveries = m.batchDeliveriesLocked(id)
	return out, nil
}

func (m *Memory) batchDeliveriesLocked(batchID string) []model.Delivery {
	out := []model.Delivery{}
	for _, d := range m.deliveries {
		if d.BatchID == batchID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ListActiveBatches(ctx context.Context, driverID string) ([]model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Batch{}
	for _, id := range m.batchOrder {
		b := m.batches[id]
		if b.DriverID == driverID && b.Status == model.BatchActive {
			cp := *b
			cp.Deliveries = m.batchDeliveriesLocked(id)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateBatchRoute(ctx context.Context, batchID string, route model.Route, strategy model.Strategy, score float64) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return model.Batch{}, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	b.Route = route
	b.Strategy = strategy
	b.EfficiencyScore = score
	out := *b
	out.Deliveries = m.batchDeliveriesLocked(batchID)
	return out, nil
}

func (m *Memory) UpdateDeliveryProgress(ctx context.Context, batchID, deliveryID string, status model.DeliveryStatus, notes string, now time.Time) (model.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return model.Delivery{}, false, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	d, ok := m.deliveries[deliveryID]
	if !ok || d.BatchID != batchID {
		return model.Delivery{}, false, fmt.Errorf("delivery %s in batch %s: %w", deliveryID, batchID, model.ErrNotFound)
	}
	if !model.CanTransition(d.Status, status) {
		return model.Delivery{}, false, fmt.Errorf("%s -> %s: %w", d.Status, status, model.ErrInvalidTransition)
	}

	d.Status = status
	if notes != "" {
		d.Notes = notes
	}
	switch status {
	case model.DeliveryInProgress:
		t := now
		d.PickedUpAt = &t
	case model.DeliveryCompleted:
		t := now
		d.DeliveredAt = &t
	}

	completed := m.settleBatchLocked(b, now)
	return *d, completed, nil
}

// settleBatchLocked re-reads the batch members and closes the batch when
// every member has reached a terminal status. Returns true only when all
// members completed successfully.
func (m *Memory) settleBatchLocked(b *model.Batch, now time.Time) bool {
	if b.Status != model.BatchActive {
		return false
	}
	allCompleted := true
	for _, d := range m.deliveries {
		if d.BatchID != b.ID {
			continue
		}
		if !d.Status.Terminal() {
			return false
		}
		if d.Status != model.DeliveryCompleted {
			allCompleted = false
		}
	}
	t := now
	b.CompletedAt = &t
	if allCompleted {
		b.Status = model.BatchCompleted
		return true
	}
	b.Status = model.BatchCancelled
	return false
}

func (m *Memory) SaveOptimization(ctx context.Context, rec model.OptimizationRecord) (model.OptimizationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.optHistory[rec.BatchID] = append(m.optHistory[rec.BatchID], rec)
	return rec, nil
}

func (m *Memory) ListOptimizations(ctx context.Context, batchID string) ([]model.OptimizationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.optHistory[batchID]
	out := make([]model.OptimizationRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{
		ID:     uuid.New().String(),
		URL:    req.URL,
		Events: append([]string{}, req.Events...),
		Secret: req.Secret,
	}
	m.subs[s.ID] = s
	m.subOrder = append(m.subOrder, s.ID)
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, id := range m.subOrder {
		if s, ok := m.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, id := range m.subOrder {
		s, ok := m.subs[id]
		if !ok {
			continue
		}
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.hooks[id] = &memWebhook{
		WebhookDelivery: WebhookDelivery{
			ID:             id,
			SubscriptionID: subscriptionID,
			EventType:      eventType,
			URL:            url,
			Secret:         secret,
			Payload:        payload,
			Status:         "pending",
		},
		NextAttemptAt: time.Now(),
	}
	m.hookOrder = append(m.hookOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.hookOrder {
		h := m.hooks[id]
		if h == nil {
			continue
		}
		if (h.Status == "pending" || h.Status == "retry") && !h.NextAttemptAt.After(now) {
			out = append(out, h.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hooks[id]
	if h == nil {
		return nil
	}
	h.Attempts++
	h.ResponseCode = responseCode
	h.LatencyMs = latencyMs
	if success {
		h.Status = "delivered"
		now := time.Now()
		h.DeliveredAt = &now
		return nil
	}
	h.Status = "retry"
	h.LastError = lastError
	if nextAttemptAt != nil {
		h.NextAttemptAt = *nextAttemptAt
	} else {
		h.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hooks[id]; h != nil {
		h.Status = "failed"
		h.LastError = lastError
		h.ResponseCode = responseCode
		h.LatencyMs = latencyMs
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
