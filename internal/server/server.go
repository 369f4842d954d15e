// Package server exposes the collector's self-metrics, health and the
// monitors of the running session over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/config"
	"github.com/nmslite/collector/internal/middleware"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/telemetry"
)

// Status reports whether the collection loop is alive.
type Status interface {
	IsRunning() bool
}

// Server represents the HTTP listener
type Server struct {
	router  *chi.Mux
	session *telemetry.HostSession
	status  Status
	logger  zerolog.Logger
}

// MonitorView is the JSON form of a monitor.
type MonitorView struct {
	ID                   string            `json:"id"`
	Type                 string            `json:"type"`
	Attributes           map[string]string `json:"attributes"`
	Metrics              map[string]any    `json:"metrics"`
	LegacyTextParameters map[string]string `json:"legacy_text_parameters,omitempty"`
	DiscoveryTime        time.Time         `json:"discovery_time"`
	CollectTime          *time.Time        `json:"collect_time,omitempty"`
}

// NewServer creates the router. Every collector of the registry is exposed
// on /metrics.
func NewServer(session *telemetry.HostSession, status Status, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		session: session,
		status:  status,
		logger:  logger.With().Str("component", "server").Logger(),
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.StripSlashes)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connectors", s.listConnectors)
		r.Get("/protocols", s.listProtocols)
		r.Get("/protocols/{id}/schema", s.getProtocolSchema)
		r.Route("/monitors", func(r chi.Router) {
			r.Get("/", s.listMonitors)
			r.Get("/{type}", s.listMonitors)
			r.Get("/{type}/{id}", s.getMonitor)
		})
	})
	return s
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.MetricsListenerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("HTTP listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP listener forced to shutdown")
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ok"
	if s.status != nil && !s.status.IsRunning() {
		status = http.StatusServiceUnavailable
		state = "stopped"
	}
	middleware.SendJSON(w, status, map[string]any{
		"status":   state,
		"hostname": s.session.Hostname(),
		"monitors": s.session.Registry.Count(),
	})
}

func (s *Server) listConnectors(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0)
	for _, c := range s.session.Detected() {
		ids = append(ids, c.ID)
	}
	middleware.SendJSON(w, http.StatusOK, map[string]any{"data": ids, "total": len(ids)})
}

func (s *Server) listProtocols(w http.ResponseWriter, _ *http.Request) {
	middleware.SendJSON(w, http.StatusOK, protocols.ProtocolListResponse{
		Data: protocols.GetRegistry().ListProtocols(),
	})
}

// getProtocolSchema returns the empty configuration block of a protocol, the
// shape expected under host.protocols in the configuration file.
func (s *Server) getProtocolSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schema, err := protocols.GetRegistry().GetConfigType(id)
	if err != nil {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	middleware.SendJSON(w, http.StatusOK, protocols.SchemaResponse{ProtocolID: id, Schema: schema})
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	var monitors []*telemetry.Monitor
	if monitorType := chi.URLParam(r, "type"); monitorType != "" {
		monitors = s.session.Registry.SortedMonitors(monitorType)
	} else {
		monitors = s.session.Registry.All()
		sort.Slice(monitors, func(i, j int) bool {
			if monitors[i].Type() != monitors[j].Type() {
				return monitors[i].Type() < monitors[j].Type()
			}
			return monitors[i].ID() < monitors[j].ID()
		})
	}

	views := make([]MonitorView, 0, len(monitors))
	for _, m := range monitors {
		views = append(views, viewOf(m))
	}
	middleware.SendJSON(w, http.StatusOK, map[string]any{"data": views, "total": len(views)})
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := s.session.Registry.FindMonitor(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if !ok {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Monitor not found")
		return
	}
	middleware.SendJSON(w, http.StatusOK, viewOf(m))
}

func viewOf(m *telemetry.Monitor) MonitorView {
	view := MonitorView{
		ID:                   m.ID(),
		Type:                 m.Type(),
		Attributes:           m.Attributes(),
		Metrics:              make(map[string]any),
		LegacyTextParameters: m.LegacyTextParameters(),
		DiscoveryTime:        m.DiscoveryTime(),
	}
	if t := m.CollectTime(); !t.IsZero() {
		view.CollectTime = &t
	}
	for name, metric := range m.Metrics() {
		if n, ok := metric.(*telemetry.NumberMetric); ok {
			view.Metrics[name] = n.Value
			continue
		}
		view.Metrics[name] = metric.Text()
	}
	return view
}
