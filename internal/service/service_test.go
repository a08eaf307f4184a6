package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"farmroute/internal/geo"
	"farmroute/internal/model"
	"farmroute/internal/opt"
	"farmroute/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, nil), mem
}

func seedNear(mem *store.Memory, id string, lat float64) model.Delivery {
	return mem.SeedDelivery(model.Delivery{
		ID:      id,
		OrderID: "ord-" + id,
		FarmID:  "farm-" + id,
		Pickup:  model.GeoPoint{Lat: lat, Lng: 0},
		Dropoff: model.GeoPoint{Lat: lat + 0.01, Lng: 0},
	})
}

// failingOptimizer always errors, standing in for a degraded remote service.
type failingOptimizer struct{ calls int }

func (f *failingOptimizer) Optimize(ctx context.Context, req opt.Request) (opt.Result, error) {
	f.calls++
	return opt.Result{}, errors.New("remote unavailable")
}

func TestListAvailableSortsByDistance(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "far", 1.0)
	seedNear(mem, "close", 0.1)
	seedNear(mem, "mid", 0.5)

	page, err := svc.ListAvailable(ctx, AvailableQuery{
		DriverID: "drv-1",
		Location: &model.GeoPoint{Lat: 0, Lng: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items", len(page.Items))
	}
	want := []string{"close", "mid", "far"}
	for i, id := range want {
		if page.Items[i].ID != id {
			t.Fatalf("item %d = %s, want %s", i, page.Items[i].ID, id)
		}
	}
	if page.Items[0].ApproxDistanceM <= 0 {
		t.Fatal("approx distance not set")
	}
}

func TestListAvailableMaxDistanceAndPaging(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "a", 0.1)
	seedNear(mem, "b", 0.2)
	seedNear(mem, "c", 0.3)
	seedNear(mem, "toofar", 5.0)

	page, err := svc.ListAvailable(ctx, AvailableQuery{
		DriverID:    "drv-1",
		Location:    &model.GeoPoint{Lat: 0, Lng: 0},
		MaxDistance: 100_000,
		Page:        2,
		PageSize:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3 after distance filter", page.Total)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "c" {
		t.Fatalf("page 2 = %+v", page.Items)
	}
	// Page past the end is empty, not an error.
	page, err = svc.ListAvailable(ctx, AvailableQuery{
		DriverID: "drv-1", Location: &model.GeoPoint{}, Page: 99, PageSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page, got %+v", page.Items)
	}
}

func TestListAvailableFallsBackToProfileLocation(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "a", 0.1)
	mem.SeedDriver(model.Driver{ID: "drv-1", Location: &model.GeoPoint{Lat: 0, Lng: 0}})

	page, err := svc.ListAvailable(ctx, AvailableQuery{DriverID: "drv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %+v", page.Items)
	}

	// No explicit location and no profile location.
	_, err = svc.ListAvailable(ctx, AvailableQuery{DriverID: "drv-ghost"})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestListAvailableRejectsBadCoordinates(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ListAvailable(context.Background(), AvailableQuery{
		DriverID: "drv-1",
		Location: &model.GeoPoint{Lat: 123, Lng: 0},
	})
	if !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("err = %v, want ErrInvalidCoordinate", err)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)

	if _, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("empty ids: %v", err)
	}
	_, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1", "d1"}})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("duplicate ids: %v", err)
	}
	// The failed attempts must not have claimed d1.
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatal(err)
	}
	if b.Route.Source != model.RouteSkeleton {
		t.Fatalf("route source = %s", b.Route.Source)
	}
}

func TestCreateBatchWithOptimization(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	seedNear(mem, "d2", 0.2)

	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{
		DeliveryIDs:    []string{"d1", "d2"},
		OptimizedRoute: true,
		Location:       &model.GeoPoint{Lat: 0, Lng: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Route.Source != model.RouteLocal {
		t.Fatalf("route source = %s, want local", b.Route.Source)
	}
	if b.Strategy != model.StrategyBalanced {
		t.Fatalf("strategy = %s", b.Strategy)
	}
	recs, err := svc.Store.ListOptimizations(ctx, b.ID)
	if err != nil || len(recs) != 1 {
		t.Fatalf("history = %v err = %v", recs, err)
	}
}

func TestCreateBatchKeepsSkeletonWhenOptimizationFails(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)

	// No explicit location and no driver profile: the optimization step
	// cannot resolve a start, but batch creation must still succeed.
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{
		DeliveryIDs:    []string{"d1"},
		OptimizedRoute: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Route.Source != model.RouteSkeleton {
		t.Fatalf("route source = %s, want skeleton kept", b.Route.Source)
	}
	got, err := svc.Store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BatchActive {
		t.Fatalf("batch = %+v", got)
	}
}

func TestOptimizeFallsBackToLocal(t *testing.T) {
	svc, mem := newTestService(t)
	remote := &failingOptimizer{}
	svc.Remote = remote
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	seedNear(mem, "d2", 0.2)
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{
		Location: &model.GeoPoint{Lat: 0, Lng: 0},
	})
	if err != nil {
		t.Fatalf("fallback should hide the remote failure: %v", err)
	}
	if remote.calls != 1 {
		t.Fatalf("remote called %d times, want exactly 1", remote.calls)
	}
	if resp.Batch.Route.Source != model.RouteLocal {
		t.Fatalf("route source = %s, want local", resp.Batch.Route.Source)
	}
	if resp.Record.Strategy != model.StrategyBalanced {
		t.Fatalf("default strategy = %s", resp.Record.Strategy)
	}
}

func TestOptimizeAtOriginWithRemoteDown(t *testing.T) {
	// (0,0) is a valid coordinate; with the remote degraded the local
	// planner must still produce a route.
	svc, mem := newTestService(t)
	svc.Remote = &failingOptimizer{}
	ctx := context.Background()
	mem.SeedDelivery(model.Delivery{
		ID: "d1", OrderID: "o1", FarmID: "f1",
		Pickup:  model.GeoPoint{Lat: 0, Lng: 0},
		Dropoff: model.GeoPoint{Lat: 0, Lng: 0},
	})
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: &model.GeoPoint{}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Batch.Route.TotalDistanceM != 0 {
		t.Fatalf("distance = %f", resp.Batch.Route.TotalDistanceM)
	}
}

func TestOptimizeHistoryChains(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	seedNear(mem, "d2", 0.2)
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}
	loc := &model.GeoPoint{Lat: 0, Lng: 0}
	first, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: loc})
	if err != nil {
		t.Fatal(err)
	}
	if first.Record.PreviousRoute.Source != model.RouteSkeleton {
		t.Fatalf("first previous route source = %s", first.Record.PreviousRoute.Source)
	}
	second, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: loc, Strategy: model.StrategyShortest})
	if err != nil {
		t.Fatal(err)
	}
	// Each record's previous route is the route the batch actually had.
	if second.Record.PreviousRoute.TotalDistanceM != first.Record.OptimizedRoute.TotalDistanceM {
		t.Fatalf("history chain broken: %.1f vs %.1f",
			second.Record.PreviousRoute.TotalDistanceM, first.Record.OptimizedRoute.TotalDistanceM)
	}
	recs, err := svc.History(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Strategy != model.StrategyShortest {
		t.Fatalf("second strategy = %s", recs[1].Strategy)
	}
}

func TestOptimizeKeepsPickupStops(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	seedNear(mem, "d2", 0.2)
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: &model.GeoPoint{}})
	if err != nil {
		t.Fatal(err)
	}
	stops := resp.Batch.Route.Stops
	if len(stops) != 4 {
		t.Fatalf("got %d stops, want 4", len(stops))
	}
	if stops[0].Kind != model.StopPickup || stops[1].Kind != model.StopPickup {
		t.Fatalf("pickups not preserved at the front: %+v", stops)
	}
	for i, st := range stops {
		if st.Seq != i+1 {
			t.Fatalf("stop %d seq = %d", i, st.Seq)
		}
	}
}

func TestOptimizeTotalsCoverPickupLegs(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	// Two farms well apart, so the pickup legs carry real distance.
	mem.SeedDelivery(model.Delivery{
		ID: "d1", OrderID: "o1", FarmID: "f1",
		Pickup:  model.GeoPoint{Lat: 0.5, Lng: 0},
		Dropoff: model.GeoPoint{Lat: 1.0, Lng: 0},
	})
	mem.SeedDelivery(model.Delivery{
		ID: "d2", OrderID: "o2", FarmID: "f2",
		Pickup:  model.GeoPoint{Lat: 0, Lng: 0.5},
		Dropoff: model.GeoPoint{Lat: 1.1, Lng: 0},
	})
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1", "d2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: &model.GeoPoint{}})
	if err != nil {
		t.Fatal(err)
	}
	stops := resp.Batch.Route.Stops
	want := 0.0
	for i := 1; i < len(stops); i++ {
		want += geo.Haversine(stops[i-1].Location, stops[i].Location)
	}
	if math.Abs(resp.Batch.Route.TotalDistanceM-want) > 1e-6 {
		t.Fatalf("total %.1f, want chained legs %.1f", resp.Batch.Route.TotalDistanceM, want)
	}
	pickupLeg := geo.Haversine(stops[0].Location, stops[1].Location)
	if resp.Batch.Route.TotalDistanceM < pickupLeg {
		t.Fatalf("total %.1f omits the pickup leg %.1f", resp.Batch.Route.TotalDistanceM, pickupLeg)
	}
	if resp.Batch.Route.TotalDurationSec != int(want*opt.SecondsPerMeter) {
		t.Fatalf("duration %d, want %d", resp.Batch.Route.TotalDurationSec, int(want*opt.SecondsPerMeter))
	}
}

func TestOptimizeErrors(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatal(err)
	}
	loc := &model.GeoPoint{Lat: 0, Lng: 0}

	if _, err := svc.OptimizeRoute(ctx, "drv-1", "nope", model.OptimizeRequest{Location: loc}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown batch: %v", err)
	}
	if _, err := svc.OptimizeRoute(ctx, "drv-2", b.ID, model.OptimizeRequest{Location: loc}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("foreign driver: %v", err)
	}
	if _, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: loc, Strategy: "teleport"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("bad strategy: %v", err)
	}

	// Resolve the only delivery; the batch completes and optimization
	// then reports the batch as gone.
	now := time.Now()
	if _, _, err := mem.UpdateDeliveryProgress(ctx, b.ID, "d1", model.DeliveryInProgress, "", now); err != nil {
		t.Fatal(err)
	}
	if _, _, err := mem.UpdateDeliveryProgress(ctx, b.ID, "d1", model.DeliveryCompleted, "", now); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.OptimizeRoute(ctx, "drv-1", b.ID, model.OptimizeRequest{Location: loc}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("completed batch: %v", err)
	}
}

func TestUpdateProgress(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	seedNear(mem, "d1", 0.1)
	b, err := svc.CreateBatch(ctx, "drv-1", model.CreateBatchRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.UpdateProgress(ctx, "drv-1", b.ID, "d1", model.ProgressRequest{Status: "flying"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := svc.UpdateProgress(ctx, "drv-2", b.ID, "d1", model.ProgressRequest{Status: model.DeliveryInProgress}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("foreign driver: %v", err)
	}

	resp, err := svc.UpdateProgress(ctx, "drv-1", b.ID, "d1", model.ProgressRequest{
		Status:   model.DeliveryInProgress,
		Location: &model.GeoPoint{Lat: 0.05, Lng: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.BatchCompleted {
		t.Fatal("batch completed too early")
	}
	drv, err := mem.GetDriver(ctx, "drv-1")
	if err != nil {
		t.Fatal(err)
	}
	if drv.Location == nil || drv.Location.Lat != 0.05 {
		t.Fatalf("driver location not updated: %+v", drv)
	}

	resp, err = svc.UpdateProgress(ctx, "drv-1", b.ID, "d1", model.ProgressRequest{Status: model.DeliveryCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.BatchCompleted {
		t.Fatal("last completion should report batch completed")
	}
}
