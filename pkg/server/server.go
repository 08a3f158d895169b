package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"github.com/Axway/agent-sdk/pkg/util/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/adapter"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/sync"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

const (
	correlationIDHeader = "Correlation-Id"
	killDelay           = time.Second

	healthUnhealthy    = 0
	healthHealthy      = 1
	healthInitializing = 2
)

// Dispatcher handles what the portal posts and the resync diagnostics.
type Dispatcher interface {
	ProcessWebhooks(ctx context.Context, events []wicked.Event) error
	Resync(ctx context.Context) error
}

type Server struct {
	adapterCtx  *adapter.Context
	gatherer    prometheus.Gatherer
	fatal       func(error)
	kill        func()
	kongVersion func() string
	router      chi.Router
	httpServer  *http.Server
	logger      log.FieldLogger

	mu              gosync.Mutex
	dispatcher      Dispatcher
	initialized     bool
	portalAvailable bool
	processing      bool
	lastErr         error
}

type Option func(*Server)

// WithGatherer serves the given registry on /metrics instead of the default one.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithFatalFunc is called after answering a webhook call which broke a sync invariant.
func WithFatalFunc(fatal func(error)) Option {
	return func(s *Server) {
		s.fatal = fatal
	}
}

// WithGatewayVersion reports the Kong version the monitor actually saw on /ping.
func WithGatewayVersion(version func() string) Option {
	return func(s *Server) {
		s.kongVersion = version
	}
}

// WithKillFunc is called shortly after a POST /kill was answered.
func WithKillFunc(kill func()) Option {
	return func(s *Server) {
		s.kill = kill
	}
}

func NewServer(adapterCtx *adapter.Context, opts ...Option) *Server {
	s := &Server{
		adapterCtx: adapterCtx,
		gatherer:   prometheus.DefaultGatherer,
		router:     chi.NewRouter(),
		logger:     log.NewFieldLogger().WithComponent("server").WithPackage("server"),
	}
	s.fatal = func(err error) {
		s.logger.WithError(err).Error("terminating the adapter")
		os.Exit(1)
	}
	s.kill = func() {
		os.Exit(0)
	}
	s.kongVersion = func() string { return "" }
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(correlationID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Post("/", s.handleWebhooks)
	s.router.Get("/ping", s.handlePing)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.adapterCtx.Config.AllowResync {
		s.router.Post("/resync", s.handleResync)
	}
	if s.adapterCtx.Config.AllowKill {
		s.router.Post("/kill", s.handleKill)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetControlPlaneAvailable is called once the portal API answered its ping.
func (s *Server) SetControlPlaneAvailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portalAvailable = true
}

// SetInitialized starts accepting webhook events, handing them to dispatcher.
func (s *Server) SetInitialized(dispatcher Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = dispatcher
	s.initialized = true
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.adapterCtx.Config.Listener.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.WithField("addr", httpServer.Addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// handleWebhooks processes the events the portal posts. A load arriving while the last one is
// still processed is answered right away; its events stay queued and come again with the next load.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	dispatcher, ok := s.begin(w)
	if !ok {
		return
	}

	var events []wicked.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		s.done(nil)
		writeJSON(w, http.StatusBadRequest, message(fmt.Sprintf("could not decode webhook events: %s", err)))
		return
	}

	// the load is processed to the end even if the portal hangs up
	err := dispatcher.ProcessWebhooks(context.WithoutCancel(r.Context()), events)
	s.done(err)
	if err != nil {
		s.logger.WithError(err).Error("processing webhooks failed")
		writeJSON(w, http.StatusInternalServerError, message(err.Error()))
		if errors.Is(err, sync.ErrInvariantViolation) {
			s.fatal(err)
		}
		return
	}
	writeOK(w)
}

// begin takes the processing flag, at most one engine run goes on at a time. When it cannot, the
// request has already been answered.
func (s *Server) begin(w http.ResponseWriter) (Dispatcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, message("Not yet initialized."))
		return nil, false
	}
	if s.processing {
		s.logger.Debug("still processing, request dropped")
		writeOK(w)
		return nil, false
	}
	s.processing = true
	return s.dispatcher, true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
}

func (s *Server) done(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.lastErr = err
}

type pingResponse struct {
	Name              string `json:"name"`
	Message           string `json:"message"`
	Uptime            int64  `json:"uptime"`
	Healthy           int    `json:"healthy"`
	PingURL           string `json:"pingUrl"`
	Version           string `json:"version"`
	GitLastCommit     string `json:"gitLastCommit"`
	GitBranch         string `json:"gitBranch"`
	BuildDate         string `json:"buildDate"`
	KongVersion       string `json:"kongVersion"`
	ActualKongVersion string `json:"actualKongVersion"`
	KongStatus        string `json:"kongStatus"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	initialized, portalAvailable, lastErr := s.initialized, s.portalAvailable, s.lastErr
	s.mu.Unlock()

	build := s.adapterCtx.Build
	health := pingResponse{
		Name:          "kong-adapter",
		Message:       "Up and running",
		Uptime:        s.adapterCtx.Uptime(),
		Healthy:       healthHealthy,
		PingURL:       s.adapterCtx.PingURL(),
		Version:       build.Version,
		GitLastCommit: build.GitLastCommit,
		GitBranch:     build.GitBranch,
		BuildDate:     build.BuildDate,
		KongVersion:   s.adapterCtx.Config.Kong.ExpectedVersion,
		KongStatus:    string(s.adapterCtx.Availability.ClusterStatus()),
	}
	health.ActualKongVersion = s.kongVersion()
	status := http.StatusOK
	switch {
	case !initialized:
		// only a successful probe leaves a cluster status behind
		kongAvailable := s.adapterCtx.Availability.ClusterStatus() != nil
		health.Healthy = healthInitializing
		health.Message = initializingMessage(portalAvailable, kongAvailable)
		status = http.StatusServiceUnavailable
	case lastErr != nil:
		health.Healthy = healthUnhealthy
		health.Message = lastErr.Error()
		errJSON, _ := json.MarshalIndent(message(lastErr.Error()), "", "  ")
		health.Error = string(errJSON)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, health)
}

func initializingMessage(portalAvailable, kongAvailable bool) string {
	switch {
	case portalAvailable && !kongAvailable:
		return "Initializing - Waiting for Kong"
	case !portalAvailable && kongAvailable:
		return "Initializing - Waiting for API"
	}
	return "Initializing - Waiting for API and Kong"
}

// handleResync runs a full sync and returns the statistics of the calls it made. A resync of an
// unchanged portal must not list any actions. While a webhook load is processed it is dropped like
// a concurrent webhook load.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	dispatcher, ok := s.begin(w)
	if !ok {
		return
	}

	stats := s.adapterCtx.Statistics
	stats.Reset(true)
	err := dispatcher.Resync(context.WithoutCancel(r.Context()))
	snapshot := stats.Snapshot()
	s.release()
	s.logger.WithField("statistics", snapshot).Debug("resync done")
	if err != nil {
		s.logger.WithError(err).Error("resync failed")
		snapshot.Err = err
		writeJSON(w, http.StatusInternalServerError, snapshot)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleKill(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("/kill accepted, shutting down")
	w.WriteHeader(http.StatusNoContent)
	time.AfterFunc(killDelay, s.kill)
}

func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(correlationIDHeader, id)
		}
		w.Header().Set(correlationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(wicked.WithCorrelationID(r.Context(), id)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.
			WithField("method", r.Method).
			WithField("url", r.URL.String()).
			WithField("status", ww.Status()).
			WithField("contentLength", ww.BytesWritten()).
			WithField("duration", time.Since(start).String()).
			WithField("correlationId", wicked.CorrelationID(r.Context())).
			Debug("request")
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

func message(msg string) messageResponse {
	return messageResponse{Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
