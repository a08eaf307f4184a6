package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmroute/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// MigrateDir applies every *.sql file in dir in lexical order. Files are
// expected to be idempotent (IF NOT EXISTS style).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func placeholders(n, from int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ",")
}

const deliveryCols = `id, order_id, coalesce(driver_id,''), coalesce(batch_id,''), status,
 farm_id, coalesce(farm_name,''), coalesce(pickup_address,''), pickup_lat, pickup_lng,
 coalesce(customer_name,''), coalesce(dropoff_address,''), dropoff_lat, dropoff_lng,
 scheduled_pickup_at, picked_up_at, scheduled_delivery_at, delivered_at,
 coalesce(distance_m,0), coalesce(fee_cents,0), coalesce(feedback_rating,0),
 coalesce(feedback_notes,''), coalesce(notes,''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var d model.Delivery
	err := r.Scan(&d.ID, &d.OrderID, &d.DriverID, &d.BatchID, &d.Status,
		&d.FarmID, &d.FarmName, &d.PickupAddress, &d.Pickup.Lat, &d.Pickup.Lng,
		&d.CustomerName, &d.DropoffAddress, &d.Dropoff.Lat, &d.Dropoff.Lng,
		&d.ScheduledPickupAt, &d.PickedUpAt, &d.ScheduledDeliveryAt, &d.DeliveredAt,
		&d.DistanceM, &d.FeeCents, &d.FeedbackRating,
		&d.FeedbackNotes, &d.Notes, &d.CreatedAt)
	return d, err
}

func (p *Postgres) ListPendingDeliveries(ctx context.Context) ([]model.Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM deliveries
		WHERE status='pending' AND driver_id IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
	}
	return d, err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	var d model.Driver
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT id, coalesce(name,''), lat, lng, location_at FROM drivers WHERE id=$1`, id).
		Scan(&d.ID, &d.Name, &lat, &lng, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Driver{}, err
	}
	if lat.Valid && lng.Valid {
		d.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if at.Valid {
		t := at.Time
		d.LocationAt = &t
	}
	return d, nil
}

func (p *Postgres) UpdateDriverLocation(ctx context.Context, driverID string, loc model.GeoPoint, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, lat, lng, location_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET lat=excluded.lat, lng=excluded.lng, location_at=excluded.location_at`,
		driverID, loc.Lat, loc.Lng, at)
	return err
}

func (p *Postgres) CreateBatch(ctx context.Context, driverID string, deliveryIDs []string) (model.Batch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Batch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Upserting the driver row takes its lock, serializing concurrent
	// batch creation per driver so the capacity check cannot race.
	if _, err := tx.ExecContext(ctx, `INSERT INTO drivers (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET id=excluded.id`, driverID); err != nil {
		return model.Batch{}, err
	}

	args := make([]any, len(deliveryIDs))
	for i, id := range deliveryIDs {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+deliveryCols+` FROM deliveries
		WHERE id IN (`+placeholders(len(deliveryIDs), 1)+`) FOR UPDATE`, args...)
	if err != nil {
		return model.Batch{}, err
	}
	byID := map[string]model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return model.Batch{}, err
		}
		byID[d.ID] = d
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Batch{}, err
	}

	members := make([]model.Delivery, 0, len(deliveryIDs))
	conflicts := []string{}
	for _, id := range deliveryIDs {
		d, ok := byID[id]
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

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM deliveries d
		JOIN delivery_batches b ON b.id = d.batch_id
		WHERE b.driver_id=$1 AND b.status='active'
		AND d.status NOT IN ('completed','cancelled','failed')`, driverID).Scan(&current); err != nil {
		return model.Batch{}, err
	}
	if current+len(deliveryIDs) > model.MaxBatchSize {
		return model.Batch{}, &model.CapacityError{
			Current:  current,
			Incoming: len(deliveryIDs),
			Limit:    model.MaxBatchSize,
		}
	}

	now := time.Now()
	batchID := uuid.New().String()
	for i := range members {
		members[i].Status = model.DeliveryAssigned
		members[i].DriverID = driverID
		members[i].BatchID = batchID
	}
	route := skeletonRoute(members)

	if _, err := tx.ExecContext(ctx, `INSERT INTO delivery_batches
		(id, driver_id, status, route, delivery_count, created_at)
		VALUES ($1,$2,'active',$3,$4,$5)`,
		batchID, driverID, toJSON(route), len(members), now); err != nil {
		return model.Batch{}, err
	}
	for _, d := range members {
		if _, err := tx.ExecContext(ctx, `UPDATE deliveries
			SET status='assigned', driver_id=$2, batch_id=$3 WHERE id=$1`,
			d.ID, driverID, batchID); err != nil {
			return model.Batch{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Batch{}, err
	}

	return model.Batch{
		ID:            batchID,
		DriverID:      driverID,
		Status:        model.BatchActive,
		Route:         route,
		DeliveryCount: len(members),
		CreatedAt:     now,
		Deliveries:    members,
	}, nil
}

func scanBatch(r rowScanner) (model.Batch, error) {
	var b model.Batch
	var routeJSON []byte
	var strategy sql.NullString
	var score sql.NullFloat64
	var completedAt sql.NullTime
	err := r.Scan(&b.ID, &b.DriverID, &b.Status, &routeJSON, &b.DeliveryCount,
		&strategy, &score, &b.CreatedAt, &completedAt)
	if err != nil {
		return model.Batch{}, err
	}
	if len(routeJSON) > 0 {
		if err := json.Unmarshal(routeJSON, &b.Route); err != nil {
			return model.Batch{}, fmt.Errorf("decode route for batch %s: %w", b.ID, err)
		}
	}
	b.Strategy = model.Strategy(strategy.String)
	b.EfficiencyScore = score.Float64
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return b, nil
}

const batchCols = `id, driver_id, status, route, delivery_count, strategy, efficiency_score, created_at, completed_at`

func (p *Postgres) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	b, err := scanBatch(p.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM delivery_batches WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Batch{}, err
	}
	b.Deliveries, err = p.batchDeliveries(ctx, id)
	return b, err
}

func (p *Postgres) batchDeliveries(ctx context.Context, batchID string) ([]model.Delivery, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE batch_id=$1 ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveBatches(ctx context.Context, driverID string) ([]model.Batch, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+batchCols+` FROM delivery_batches
		WHERE driver_id=$1 AND status='active' ORDER BY created_at, id`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Deliveries, err = p.batchDeliveries(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) UpdateBatchRoute(ctx context.Context, batchID string, route model.Route, strategy model.Strategy, score float64) (model.Batch, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE delivery_batches
		SET route=$2, strategy=$3, efficiency_score=$4 WHERE id=$1`,
		batchID, toJSON(route), string(strategy), score)
	if err != nil {
		return model.Batch{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Batch{}, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	return p.GetBatch(ctx, batchID)
}

func (p *Postgres) UpdateDeliveryProgress(ctx context.Context, batchID, deliveryID string, status model.DeliveryStatus, notes string, now time.Time) (model.Delivery, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Delivery{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var batchStatus model.BatchStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM delivery_batches WHERE id=$1 FOR UPDATE`, batchID).Scan(&batchStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, false, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	if err != nil {
		return model.Delivery{}, false, err
	}

	d, err := scanDelivery(tx.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries
		WHERE id=$1 AND batch_id=$2 FOR UPDATE`, deliveryID, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, false, fmt.Errorf("delivery %s in batch %s: %w", deliveryID, batchID, model.ErrNotFound)
	}
	if err != nil {
		return model.Delivery{}, false, err
	}
	if !model.CanTransition(d.Status, status) {
		return model.Delivery{}, false, fmt.Errorf("%s -> %s: %w", d.Status, status, model.ErrInvalidTransition)
	}

	d.Status = status
	if notes != "" {
		d.Notes = notes
	}
	set := `status=$2, notes=coalesce(nullif($3,''), notes)`
	args := []any{deliveryID, string(status), notes}
	switch status {
	case model.DeliveryInProgress:
		t := now
		d.PickedUpAt = &t
		set += `, picked_up_at=$4`
		args = append(args, now)
	case model.DeliveryCompleted:
		t := now
		d.DeliveredAt = &t
		set += `, delivered_at=$4`
		args = append(args, now)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET `+set+` WHERE id=$1`, args...); err != nil {
		return model.Delivery{}, false, err
	}

	completed := false
	if batchStatus == model.BatchActive {
		// Re-read members inside the transaction so two racing terminal
		// updates cannot both skip closing the batch.
		rows, err := tx.QueryContext(ctx,
			`SELECT status FROM deliveries WHERE batch_id=$1 FOR UPDATE`, batchID)
		if err != nil {
			return model.Delivery{}, false, err
		}
		allTerminal, allCompleted := true, true
		for rows.Next() {
			var s model.DeliveryStatus
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return model.Delivery{}, false, err
			}
			if !s.Terminal() {
				allTerminal = false
			}
			if s != model.DeliveryCompleted {
				allCompleted = false
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return model.Delivery{}, false, err
		}
		if allTerminal {
			next := model.BatchCancelled
			if allCompleted {
				next = model.BatchCompleted
				completed = true
			}
			if _, err := tx.ExecContext(ctx, `UPDATE delivery_batches
				SET status=$2, completed_at=$3 WHERE id=$1`, batchID, string(next), now); err != nil {
				return model.Delivery{}, false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Delivery{}, false, err
	}
	return d, completed, nil
}

func (p *Postgres) SaveOptimization(ctx context.Context, rec model.OptimizationRecord) (model.OptimizationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO route_optimization_history
		(id, batch_id, driver_id, previous_route, optimized_route, strategy, source,
		 compute_ms, distance_saved_m, time_saved_sec, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.BatchID, rec.DriverID, toJSON(rec.PreviousRoute), toJSON(rec.OptimizedRoute),
		string(rec.Strategy), string(rec.Source), rec.ComputeMs, rec.DistanceSavedM,
		rec.TimeSavedSec, rec.CreatedAt)
	return rec, err
}

func (p *Postgres) ListOptimizations(ctx context.Context, batchID string) ([]model.OptimizationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, batch_id, driver_id, previous_route,
		optimized_route, strategy, source, compute_ms, distance_saved_m, time_saved_sec, created_at
		FROM route_optimization_history WHERE batch_id=$1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OptimizationRecord{}
	for rows.Next() {
		var rec model.OptimizationRecord
		var prev, optd []byte
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.DriverID, &prev, &optd,
			&rec.Strategy, &rec.Source, &rec.ComputeMs, &rec.DistanceSavedM,
			&rec.TimeSavedSec, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(prev, &rec.PreviousRoute); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(optd, &rec.OptimizedRoute); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret, created_at)
		VALUES ($1,$2,$3,$4,now())`, s.ID, s.URL, toJSON(s.Events), s.Secret)
	return s, err
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, url, events, secret FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubscription(r rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var events []byte
	if err := r.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
		return model.Subscription{}, err
	}
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, secret FROM subscriptions
		WHERE events @> to_jsonb($1::text) OR events @> '"*"'::jsonb
		ORDER BY created_at, id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
		(id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),now())`,
		id, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, subscription_id, event_type, url, secret, payload, status, attempts
		FROM webhook_deliveries
		WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret,
			&d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
			SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now()
			WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5
		WHERE id=$1`, id, lastError, responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status='failed', last_error=$2, response_code=$3, latency_ms=$4
		WHERE id=$1`, id, lastError, responseCode, latencyMs)
	return err
}
