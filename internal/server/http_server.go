package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LionTao/misty/internal/api"
	"github.com/LionTao/misty/internal/errors"
	"github.com/LionTao/misty/internal/metrics"
	"github.com/LionTao/misty/internal/model"
)

// TrajectoryAPI is the client-facing functionality served over HTTP
type TrajectoryAPI interface {
	IngestPoint(ctx context.Context, point model.TrajectoryPoint) (*api.AcceptPointResponse, error)
	LoadTrajectory(ctx context.Context, id string) (*api.TrajectoryResponse, error)
	QueryRegion(ctx context.Context, wkt string) (*api.RegionResponse, error)
	FindSimilar(ctx context.Context, req *api.SimilarRequest) (*api.SimilarResponse, error)
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// HTTPServerConfig holds HTTP server configuration
type HTTPServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimit      float64
	RateBurst      int
	MetricsEnabled bool
	MetricsPath    string
}

// HTTPServer serves the REST surface, metrics and health endpoints
type HTTPServer struct {
	httpServer *http.Server
	router     *mux.Router
	trajectory TrajectoryAPI
	ready      map[string]ReadinessCheck
	metrics    *metrics.Metrics
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	cfg *HTTPServerConfig,
	trajectory TrajectoryAPI,
	ready map[string]ReadinessCheck,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HTTPServer {
	router := mux.NewRouter()

	s := &HTTPServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		router:     router,
		trajectory: trajectory,
		ready:      ready,
		metrics:    m,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	router.Use(requestID, logging(logger), recovery(logger))

	v1 := router.PathPrefix("/v1").Subrouter()
	if cfg.RateLimit > 0 {
		v1.Use(newRateLimiter(cfg.RateLimit, cfg.RateBurst, logger).limit)
	}
	v1.HandleFunc("/points", s.handleAcceptPoint).Methods(http.MethodPost)
	v1.HandleFunc("/trajectories/{id}", s.handleTrajectory).Methods(http.MethodGet)
	v1.HandleFunc("/query/region", s.handleRegionQuery).Methods(http.MethodPost)
	v1.HandleFunc("/query/similar", s.handleSimilarQuery).Methods(http.MethodPost)

	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	return s
}

// Handler returns the root handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves in the background and starts the system metrics collector
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *HTTPServer) handleAcceptPoint(w http.ResponseWriter, r *http.Request) {
	var point model.TrajectoryPoint
	if !s.decode(w, r, &point) {
		return
	}
	resp, err := s.trajectory.IngestPoint(r.Context(), point)
	if err != nil {
		s.writeIndexError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	resp, err := s.trajectory.LoadTrajectory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeIndexError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRegionQuery(w http.ResponseWriter, r *http.Request) {
	var req api.RegionRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.trajectory.QueryRegion(r.Context(), req.WKT)
	if err != nil {
		s.writeIndexError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSimilarQuery(w http.ResponseWriter, r *http.Request) {
	var req api.SimilarRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.trajectory.FindSimilar(r.Context(), &req)
	if err != nil {
		s.writeIndexError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.ready))
	ready := true
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	code, state := http.StatusOK, "ready"
	if !ready {
		code, state = http.StatusServiceUnavailable, "not_ready"
	}
	writeJSON(w, code, map[string]interface{}{"status": state, "checks": checks})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error(), r.Header.Get("X-Request-ID"))
		return false
	}
	return true
}

func (s *HTTPServer) writeIndexError(w http.ResponseWriter, r *http.Request, err error) {
	st, _ := status.FromError(errors.ToGRPC(err))
	code := httpStatus(st.Code())
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	writeError(w, code, errorCode(errors.GetCode(err)), st.Message(), r.Header.Get("X-Request-ID"))
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(c errors.ErrorCode) string {
	switch c {
	case errors.ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case errors.ErrCodeMalformedSegment:
		return "MALFORMED_SEGMENT"
	case errors.ErrCodeInvalidGeometry:
		return "INVALID_GEOMETRY"
	case errors.ErrCodeInvalidCell:
		return "INVALID_CELL"
	case errors.ErrCodeNotFound:
		return "NOT_FOUND"
	case errors.ErrCodeRejected:
		return "REJECTED"
	case errors.ErrCodeDeadlineExceeded:
		return "TIMEOUT"
	case errors.ErrCodeUnavailable, errors.ErrCodePersistenceFailed:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, code int, errorCode, message, requestID string) {
	writeJSON(w, code, errorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// collectSystemMetrics periodically updates runtime gauges
func (s *HTTPServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
		case <-s.stopChan:
			return
		}
	}
}
