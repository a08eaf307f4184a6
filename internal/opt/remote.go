package opt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"farmroute/internal/model"
)

// Remote delegates sequencing to an external optimization service.
// One attempt per request: a timeout or non-2xx response is returned to
// the caller, which falls back to the local optimizer. There is no retry
// loop here so the fallback decision stays bounded in latency.
type Remote struct {
	client  *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSec caps outbound calls to the service; zero disables the cap.
	RatePerSec float64
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote optimizer: base URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Remote{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: limiter,
	}, nil
}

// StatusError carries a non-2xx response from the optimization service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("optimization service returned %d: %s", e.Code, e.Body)
}

type remotePoint struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type remoteRequest struct {
	Start    remotePoint    `json:"start"`
	Points   []remotePoint  `json:"points"`
	Strategy model.Strategy `json:"strategy"`
}

type remoteResponse struct {
	Order            []string `json:"order"`
	TotalDistanceM   float64  `json:"totalDistanceM"`
	TotalDurationSec int      `json:"totalDurationSec"`
}

func (r *Remote) Optimize(ctx context.Context, req Request) (Result, error) {
	if len(req.Points) == 0 {
		return Result{Source: model.RouteRemote}, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("remote optimizer rate wait: %w", err)
		}
	}

	body := remoteRequest{
		Start:    remotePoint{ID: "start", Lat: req.Start.Lat, Lng: req.Start.Lng},
		Strategy: req.Strategy,
	}
	byID := make(map[string]Point, len(req.Points))
	for _, p := range req.Points {
		body.Points = append(body.Points, remotePoint{ID: p.ID, Lat: p.Location.Lat, Lng: p.Location.Lng})
		byID[p.ID] = p
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("encode optimize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/optimize", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create optimize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call optimization service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode optimization response: %w", err)
	}
	if len(decoded.Order) != len(req.Points) {
		return Result{}, fmt.Errorf("optimization response has %d points, want %d",
			len(decoded.Order), len(req.Points))
	}

	stops := make([]Point, 0, len(decoded.Order))
	seen := make(map[string]bool, len(decoded.Order))
	for _, id := range decoded.Order {
		p, ok := byID[id]
		if !ok || seen[id] {
			return Result{}, fmt.Errorf("optimization response references unknown or duplicate point %q", id)
		}
		seen[id] = true
		stops = append(stops, p)
	}

	return Result{
		Stops:            stops,
		TotalDistanceM:   decoded.TotalDistanceM,
		TotalDurationSec: decoded.TotalDurationSec,
		Source:           model.RouteRemote,
	}, nil
}
