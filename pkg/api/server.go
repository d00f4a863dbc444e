package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/usage"
)

// Config wires the server to its collaborators
type Config struct {
	Processor *billing.Processor
	Service   *billing.Service
	Usage     *usage.Controller
	Catalog   *billing.Catalog

	// Limiter throttles the usage endpoints per account. nil disables it.
	Limiter middleware.Limiter
	// LimiterFailClosed answers 503 instead of letting requests through
	// when the limiter's backend is down
	LimiterFailClosed bool

	// AccountHeader names the gateway header carrying the caller's
	// account id; defaults to middleware.AccountHeader
	AccountHeader string
	// MaxWebhookBytes bounds webhook payloads; defaults to httputil.DefaultMaxBodyBytes
	MaxWebhookBytes int64

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server represents our API server
type Server struct {
	router    *mux.Router
	handler   http.Handler
	processor *billing.Processor
	service   *billing.Service
	usage     *usage.Controller
	catalog   *billing.Catalog
	logger    *observability.Logger
	metrics   *observability.Metrics

	identity   *middleware.AccountIdentity
	rateLimit  *middleware.RateLimitMiddleware
	maxWebhook int64
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("webhook processor is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("account service is required")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("usage controller is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = billing.DefaultCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	s := &Server{
		router:     mux.NewRouter(),
		processor:  cfg.Processor,
		service:    cfg.Service,
		usage:      cfg.Usage,
		catalog:    cfg.Catalog,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		identity:   middleware.NewAccountIdentity(cfg.AccountHeader),
		maxWebhook: cfg.MaxWebhookBytes,
	}
	if cfg.Limiter != nil {
		s.rateLimit = middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.Logger)
		s.rateLimit.SetFailOpen(!cfg.LimiterFailClosed)
	}

	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RecoveryMiddleware(s.logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
	)(s.router)
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// route templates are only known inside the router
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	// Provider callbacks are authenticated by signature, not by identity
	s.router.HandleFunc("/billing/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)

	accountsRouter := s.router.PathPrefix("/accounts").Subrouter()
	accountsRouter.Use(s.identity.Handler)
	accountsRouter.HandleFunc("", s.openAccount).Methods(http.MethodPost)
	accountsRouter.HandleFunc("/{id}/balance", s.getBalance).Methods(http.MethodGet)
	accountsRouter.HandleFunc("/{id}/credits", s.getCredits).Methods(http.MethodGet)
	accountsRouter.HandleFunc("/{id}/subscription", s.getSubscription).Methods(http.MethodGet)
	accountsRouter.HandleFunc("/{id}/events", s.getEvents).Methods(http.MethodGet)
	accountsRouter.HandleFunc("/{id}/deactivate", s.deactivateAccount).Methods(http.MethodPost)

	usageRouter := s.router.PathPrefix("/usage").Subrouter()
	usageRouter.Use(s.identity.Handler)
	if s.rateLimit != nil {
		usageRouter.Use(s.rateLimit.Handler)
	}
	usageRouter.HandleFunc("/admit", s.admit).Methods(http.MethodPost)
	usageRouter.HandleFunc("/reservations/{id}/settle", s.settle).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router without the outer middleware chain
func (s *Server) Router() *mux.Router {
	return s.router
}
