package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"crowdfund/observability"
	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/market"
	marketmw "crowdfund/services/marketplace/middleware"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Market    *market.Service
	Auth      *auth.Middleware
	RateLimit marketmw.RateLimit
	Logger    *slog.Logger
	// Gatherer backs /metrics. Defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	market   *market.Service
	auth     *auth.Middleware
	limiter  *marketmw.RateLimiter
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	router http.Handler
}

// New constructs a configured HTTP router with authentication and idempotency support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	srv := &Server{
		db:       cfg.DB,
		market:   cfg.Market,
		auth:     cfg.Auth,
		limiter:  marketmw.NewRateLimiter(cfg.RateLimit),
		logger:   logger,
		gatherer: gatherer,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	idempotent := marketmw.WithIdempotency(s.db, s.logger)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware)
			public.Post("/users", s.CreateUser)
			public.Get("/operations", s.ListActiveOperations)
			public.Get("/operations/{id}", s.GetOperation)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.Use(s.limiter.Middleware)

			protected.Get("/users/me", s.GetCurrentUser)
			protected.Patch("/users/me", s.RenameCurrentUser)
			protected.Delete("/users/me", s.DeleteCurrentUser)
			protected.Get("/users/{id}", s.GetUser)

			operator := protected.With(auth.RequireRole(auth.RoleOperator))
			operator.With(idempotent).Post("/operations", s.CreateOperation)
			operator.Post("/operations/sweep", s.SweepExpired)
			operator.Post("/operations/{id}/close", s.CloseOperation)
			operator.Delete("/operations/{id}", s.DeleteOperation)
			protected.Get("/operations/{id}/bids", s.ListOperationBids)

			investor := protected.With(auth.RequireRole(auth.RoleInvestor))
			investor.With(idempotent).Post("/bids", s.CreateBid)
			investor.Get("/bids", s.ListMyBids)
			investor.Get("/bids/{id}", s.GetBid)
			investor.Delete("/bids/{id}", s.CancelBid)
		})
	})

	return r
}

// observe records request metrics against the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
		s.logger.DebugContext(r.Context(), "request served",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}

// Health reports liveness together with database reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func parseID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
