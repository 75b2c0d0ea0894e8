package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestID tags every request with an X-Request-ID
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// logging logs every request with its status and latency
func logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}

// recovery turns handler panics into 500 responses
func recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("request_id", r.Header.Get("X-Request-ID")),
						zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", r.Header.Get("X-Request-ID"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter is a token bucket shared by every client
type rateLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newRateLimiter(requestsPerSecond float64, burst int, logger *zap.Logger) *rateLimiter {
	if burst <= 0 {
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
	}
}

func (rl *rateLimiter) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("request_id", r.Header.Get("X-Request-ID")),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", r.Header.Get("X-Request-ID"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
