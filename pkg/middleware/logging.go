// Package middleware provides transport-level middleware shared by the
// request executor's HTTP entry point and its TCP listener.
//
// This file implements structured request logging:
//   - Request/response logging with timing
//   - Correlation ID propagation (X-Request-ID header): an incoming header
//     value is reused, otherwise a fresh UUID is minted; the envelope's own
//     requestId is not read here
//   - Context-based request ID storage for handler-level logging
//   - JSON structured log lines via the standard log package
//
// Log level follows the envelope trade-off: the executor answers 200
// whenever an envelope exists, so a 200 here only means "envelope
// produced" — operation failures are visible in the body's exceptions, and
// the executor logs those separately at the worker.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// RequestLogger logs every request with method, path, status, duration,
// size, and a correlation ID.
//
//	handler := middleware.RequestLogger(http.HandlerFunc(handleInvoke))
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		logRequest(requestID, r, wrapped.statusCode, wrapped.bytesWritten, time.Since(start))
	})
}

// WithRequestID adds a correlation ID to the context, for callers outside
// the HTTP path.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the correlation ID, or "".
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

func generateRequestID() string {
	return uuid.New().String()
}

func logRequest(requestID string, r *http.Request, statusCode int, bytesWritten int, duration time.Duration) {
	logEntry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
		"bytes":       bytesWritten,
		"remote_addr": r.RemoteAddr,
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal log entry: %v", err)
		log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, statusCode, duration.Milliseconds())
		return
	}

	if statusCode >= 500 {
		log.Printf("[ERROR] %s", string(data))
	} else if statusCode >= 400 {
		log.Printf("[WARN] %s", string(data))
	} else {
		log.Printf("[INFO] %s", string(data))
	}
}

// responseWriter captures status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LogWithRequestID logs an application-level message carrying the
// context's correlation ID.
//
//	middleware.LogWithRequestID(ctx, "cache invalidated", map[string]interface{}{"prefix": "/a"})
func LogWithRequestID(ctx context.Context, message string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": RequestIDFromCtx(ctx),
		"message":    message,
	}
	for k, v := range fields {
		logEntry[k] = v
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[INFO] %s", string(data))
}
