package api

import (
	"net/http"
	"strings"

	"farmroute/internal/auth"
	"farmroute/internal/config"
	"farmroute/internal/notify"
	"farmroute/internal/opt"
	"farmroute/internal/service"
	"farmroute/internal/store"
)

type Server struct {
	Store  store.Store
	Svc    *service.Service
	Pub    *notify.Publisher
	Auth   *auth.Verifier
	Broker EventBroker

	webhookMaxAttempts int
}

// NewServer wires the service from config. Without a DATABASE_URL the
// in-memory store is used; without a REDIS_URL events stay in-process.
func NewServer(cfg config.Config) (*Server, error) {
	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dir := cfg.MigrateDir
		if dir == "" {
			dir = "db/migrations"
		}
		if err := pg.MigrateDir(dir); err != nil {
			return nil, err
		}
		st = pg
	}

	var remote opt.Optimizer
	if cfg.Optimizer.URL != "" {
		r, err := opt.NewRemote(opt.RemoteConfig{
			BaseURL:    cfg.Optimizer.URL,
			APIKey:     cfg.Optimizer.APIKey,
			Timeout:    cfg.Optimizer.Timeout(),
			RatePerSec: cfg.Optimizer.RatePerSec,
		})
		if err != nil {
			return nil, err
		}
		remote = r
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		broker = rb
	} else {
		broker = NewBroker()
	}

	return &Server{
		Store:              st,
		Svc:                service.New(st, remote),
		Pub:                notify.NewPublisher(st),
		Auth:               auth.NewVerifierFromEnv(),
		Broker:             broker,
		webhookMaxAttempts: cfg.Webhook.MaxAttempts,
	}, nil
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deliveries/available", s.AvailableDeliveriesHandler)
	mux.HandleFunc("/v1/batches", s.BatchesHandler)
	mux.HandleFunc("/v1/batches/", s.BatchByIDHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	return mux
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *notify.Worker {
	return notify.NewWorker(s.Store, s.webhookMaxAttempts)
}
