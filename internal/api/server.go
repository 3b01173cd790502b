// Package api is the management HTTP surface of schedgate.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedgate/internal/api/handler"
	mw "schedgate/internal/api/middleware"
	rtsup "schedgate/internal/runtime/supervisor"
	logx "schedgate/pkg/logx"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Webhook         handler.WebhookConfig
}

// Store is the slice of the schedule store the API touches directly.
type Store interface {
	mw.AuditStore
	handler.Claimer
	handler.Pinger
}

type Deps struct {
	Schedules handler.ScheduleService
	Skills    handler.SkillLister
	Store     Store
	Log       logx.Logger

	// Registerer and Gatherer default to the global Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg    Config
	log    logx.Logger
	router chi.Router
	audit  *mw.AuditLogger

	mu   sync.Mutex
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg Config, d Deps) (*Server, error) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	metrics, err := mw.NewMetrics(d.Registerer)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: d.Log, router: chi.NewRouter()}
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(mw.RequestLogger(d.Log))
	s.router.Use(chimw.Recoverer)
	s.router.Use(metrics.Handler)

	sys := handler.NewSystem(d.Store, d.Skills)
	s.router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", sys.Healthz)

	sched := handler.NewSchedule(d.Schedules)
	hook := handler.NewWebhook(d.Schedules, d.Store, cfg.Webhook, d.Log.With(logx.String("comp", "webhook")))
	if d.Store != nil {
		s.audit = mw.NewAuditLogger(d.Store, d.Log.With(logx.String("comp", "audit")), 1024)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.audit != nil {
			r.Use(s.audit.Middleware)
		}
		r.Post("/schedules", sched.Create)
		r.Get("/schedules", sched.List)
		r.Get("/schedules/{id}", sched.Get)
		r.Patch("/schedules/{id}", sched.Update)
		r.Delete("/schedules/{id}", sched.Delete)
		r.Post("/schedules/{id}/enable", sched.Enable)
		r.Post("/schedules/{id}/disable", sched.Disable)
		r.Post("/schedules/{id}/run", sched.Run)
		r.Post("/schedules/{id}/trigger", hook.Trigger)
		r.Get("/schedules/{id}/runs", sched.Runs)
		r.Get("/schedules/{id}/snapshots", sched.Snapshots)

		r.Get("/observability/schedules", sched.Observability)
		r.Get("/skills", sys.Skills)
	})
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Addr is the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Addr))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.srv, s.sup, s.addr = srv, sup, ln.Addr().String()
	sup.Go("http.serve", func(ctx context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		s.log.Error("http server exited", logx.Err(err))
		return err
	})
	s.log.Info("http started", logx.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests and flushes the audit queue.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()

	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown", logx.Err(err))
			_ = srv.Close()
		}
		cancel()
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	if s.audit != nil {
		s.audit.Close(ctx)
	}
	s.log.Info("http stopped")
}
