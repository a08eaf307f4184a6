//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"farmroute/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}

	d := model.Delivery{
		OrderID: "ord-it-1",
		FarmID:  "farm-it",
		Pickup:  model.GeoPoint{Lat: 40.0, Lng: -75.0},
		Dropoff: model.GeoPoint{Lat: 40.1, Lng: -75.1},
	}
	if _, err := p.db.Exec(`INSERT INTO deliveries (id, order_id, status, farm_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, created_at)
		VALUES ('it-d1',$1,'pending',$2,$3,$4,$5,$6,now())
		ON CONFLICT (id) DO UPDATE SET status='pending', driver_id=NULL, batch_id=NULL`,
		d.OrderID, d.FarmID, d.Pickup.Lat, d.Pickup.Lng, d.Dropoff.Lat, d.Dropoff.Lng); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	b, err := p.CreateBatch(t.Context(), "drv-it", []string{"it-d1"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	got, err := p.GetBatch(t.Context(), b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != model.BatchActive || len(got.Deliveries) != 1 {
		t.Fatalf("batch = %+v", got)
	}
}
