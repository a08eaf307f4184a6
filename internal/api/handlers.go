package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmroute/internal/buildinfo"
	"farmroute/internal/model"
	"farmroute/internal/service"
)

// AvailableDeliveriesHandler handles GET /v1/deliveries/available
func (s *Server) AvailableDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	driverID, ok := p.actingDriver(r.URL.Query().Get("driverId"))
	if !ok {
		writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
		return
	}

	q := service.AvailableQuery{DriverID: driverID}
	qs := r.URL.Query()
	if qs.Get("lat") != "" || qs.Get("lng") != "" {
		lat, err1 := strconv.ParseFloat(qs.Get("lat"), 64)
		lng, err2 := strconv.ParseFloat(qs.Get("lng"), 64)
		if err1 != nil || err2 != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Request", "lat and lng must both be numbers", r.URL.Path)
			return
		}
		q.Location = &model.GeoPoint{Lat: lat, Lng: lng}
	}
	if v := qs.Get("maxDistance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Request", "maxDistance must be a number of meters", r.URL.Path)
			return
		}
		q.MaxDistance = f
	}
	if v := qs.Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := qs.Get("pageSize"); v != "" {
		q.PageSize, _ = strconv.Atoi(v)
	}

	page, err := s.Svc.ListAvailable(r.Context(), q)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// BatchesHandler handles POST /v1/batches
func (s *Server) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	driverID, ok := p.actingDriver(r.URL.Query().Get("driverId"))
	if !ok {
		writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
		return
	}
	var req model.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	b, err := s.Svc.CreateBatch(r.Context(), driverID, req)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	data := map[string]any{
		"batchId":       b.ID,
		"driverId":      b.DriverID,
		"deliveryCount": b.DeliveryCount,
		"routeSource":   b.Route.Source,
	}
	s.Broker.Publish(b.ID, BatchEvent{Type: "batch.created", Data: data})
	s.Pub.Emit(r.Context(), "batch.created", data)
	writeJSON(w, http.StatusCreated, b)
}

// BatchByIDHandler dispatches /v1/batches/... subresources:
// GET  /v1/batches/active
// GET  /v1/batches/{id}
// POST /v1/batches/{id}/optimize
// GET  /v1/batches/{id}/history
// POST /v1/batches/{id}/deliveries/{deliveryId}/status
// GET  /v1/batches/{id}/events/stream
// GET  /v1/batches/{id}/ws
func (s *Server) BatchByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if id == "active" && len(parts) == 1 {
		s.activeBatches(w, r)
		return
	}
	if len(parts) == 1 {
		s.getBatch(w, r, id)
		return
	}
	switch parts[1] {
	case "optimize":
		s.optimizeBatch(w, r, id)
	case "history":
		s.batchHistory(w, r, id)
	case "deliveries":
		if len(parts) == 4 && parts[3] == "status" {
			s.deliveryStatus(w, r, id, parts[2])
			return
		}
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case "events":
		if len(parts) == 3 && parts[2] == "stream" {
			s.streamBatchEvents(w, r, id)
			return
		}
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case "ws":
		s.batchWS(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) activeBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	driverID, ok := p.actingDriver(r.URL.Query().Get("driverId"))
	if !ok {
		writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
		return
	}
	items, err := s.Store.ListActiveBatches(r.Context(), driverID)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := s.Store.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if p.Role == "driver" && b.DriverID != p.DriverID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your batch", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) optimizeBatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanDrive() && p.Role != "dispatcher" {
		writeProblem(w, http.StatusForbidden, "Forbidden", "driver, dispatcher or admin required", r.URL.Path)
		return
	}
	var req model.OptimizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
	}
	caller := ""
	if p.Role == "driver" {
		caller = p.DriverID
	}
	resp, err := s.Svc.OptimizeRoute(r.Context(), caller, id, req)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	data := map[string]any{
		"batchId":        resp.Batch.ID,
		"strategy":       resp.Record.Strategy,
		"source":         resp.Record.Source,
		"distanceSavedM": resp.DistanceSavedM,
		"timeSavedSec":   resp.TimeSavedSec,
	}
	s.Broker.Publish(id, BatchEvent{Type: "batch.route.optimized", Data: data})
	s.Pub.Emit(r.Context(), "batch.route.optimized", data)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) batchHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.Svc.History(r.Context(), id)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (s *Server) deliveryStatus(w http.ResponseWriter, r *http.Request, batchID, deliveryID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanDrive() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "driver or admin required", r.URL.Path)
		return
	}
	var req model.ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	caller := ""
	if p.Role == "driver" {
		caller = p.DriverID
	}
	resp, err := s.Svc.UpdateProgress(r.Context(), caller, batchID, deliveryID, req)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	data := map[string]any{
		"batchId":    batchID,
		"deliveryId": deliveryID,
		"status":     resp.Delivery.Status,
	}
	s.Broker.Publish(batchID, BatchEvent{Type: "delivery.status.changed", Data: data})
	s.Pub.Emit(r.Context(), "delivery.status.changed", data)
	if resp.BatchCompleted {
		done := map[string]any{"batchId": batchID, "ts": time.Now().UTC().Format(time.RFC3339)}
		s.Broker.Publish(batchID, BatchEvent{Type: "batch.completed", Data: done})
		s.Pub.Emit(r.Context(), "batch.completed", done)
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamBatchEvents serves the SSE stream for one batch.
func (s *Server) streamBatchEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeBatchStream(w, r, id) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"batchId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"batchId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// authorizeBatchStream lets admins and dispatchers stream any batch,
// drivers only their own.
func (s *Server) authorizeBatchStream(w http.ResponseWriter, r *http.Request, id string) bool {
	p := s.getPrincipal(r)
	if p.IsAdmin() || p.Role == "dispatcher" {
		return true
	}
	b, err := s.Store.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, err, r.URL.Path)
		return false
	}
	if p.Role != "driver" || p.DriverID == "" || b.DriverID != p.DriverID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for batch events", r.URL.Path)
		return false
	}
	return true
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid Request", "url and events are required", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
