// Package middleware provides HTTP middleware for the mlsds xrpc server:
// request correlation IDs and structured access logging enriched with the
// conversation and device a request touches, plus an OpenTelemetry Protocol
// exporter configuration type. The package holds and validates OTLP
// settings only; it does not export spans to a collector.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

// contextKey is an unexported type used for context value keys to avoid collisions.
type contextKey string

const (
	// correlationIDKey is the context key for the request correlation ID.
	correlationIDKey contextKey = "correlation_id"

	// spanNameKey is the context key for the current trace span name.
	spanNameKey contextKey = "span_name"

	// requestFieldsKey is the context key for the shared *requestFields box.
	requestFieldsKey contextKey = "request_fields"
)

// CorrelationIDHeader is the HTTP header used to propagate correlation IDs.
const CorrelationIDHeader = "X-Request-ID"

// CorrelationID is a middleware that ensures every request has a unique
// correlation ID. If the incoming request contains an X-Request-ID header, that
// value is reused; otherwise a new ULID is generated. The ID is stored in the
// request context and set as a response header.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation ID from the request context.
// Returns an empty string if no correlation ID is present.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// requestFields is a mutable box threaded through a request's context so
// that auth verification (which resolves the caller's device DID) and the
// xrpc handler (which resolves the conversation a request targets) can
// deposit those identifiers for TracingLogger to pick up once the request
// has finished, without either layer needing to know the other exists.
type requestFields struct {
	deviceID string
	convoID  string
}

// withRequestFields injects a fresh *requestFields box into ctx and returns
// both the derived context and the box, so the caller can read back
// whatever downstream handlers set on it.
func withRequestFields(ctx context.Context) (context.Context, *requestFields) {
	fields := &requestFields{}
	return context.WithValue(ctx, requestFieldsKey, fields), fields
}

// SetDeviceID records the authenticated caller's device DID on the current
// request for TracingLogger to log alongside the access line. A no-op if
// ctx was not derived from a request that passed through TracingLogger.
func SetDeviceID(ctx context.Context, deviceID string) {
	if fields, ok := ctx.Value(requestFieldsKey).(*requestFields); ok {
		fields.deviceID = deviceID
	}
}

// SetConvoID records the conversation a request targets, once the handler
// has parsed it out of the path, query, or body. A no-op if ctx was not
// derived from a request that passed through TracingLogger.
func SetConvoID(ctx context.Context, convoID string) {
	if fields, ok := ctx.Value(requestFieldsKey).(*requestFields); ok {
		fields.convoID = convoID
	}
}

// TracingLogger returns a middleware that produces structured log entries
// enriched with the correlation ID, and — once set by deeper layers — the
// caller's deviceId and the convoId a request targets. It logs method,
// path, status, and latency for every request.
func TracingLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code.
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			ctx, fields := withRequestFields(r.Context())
			next.ServeHTTP(sw, r.WithContext(ctx))

			duration := time.Since(start)
			correlationID := GetCorrelationID(r.Context())

			attrs := []slog.Attr{
				slog.String("trace_id", correlationID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.written),
				slog.Duration("latency", duration),
				slog.String("remote_addr", r.RemoteAddr),
			}

			if fields.deviceID != "" {
				attrs = append(attrs, slog.String("deviceId", fields.deviceID))
			}
			if fields.convoID != "" {
				attrs = append(attrs, slog.String("convoId", fields.convoID))
			}

			// Add span name if set.
			if spanName := GetSpanName(r.Context()); spanName != "" {
				attrs = append(attrs, slog.String("span", spanName))
			}

			level := slog.LevelInfo
			if sw.status >= 500 {
				level = slog.LevelError
			} else if sw.status >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "xrpc request", attrs...)
		})
	}
}

// WithSpan sets a span name on the context for tracing purposes. This can be
// used by handlers to annotate specific operations within a request.
func WithSpan(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, spanNameKey, name)
}

// GetSpanName retrieves the current span name from the context.
func GetSpanName(ctx context.Context) string {
	if name, ok := ctx.Value(spanNameKey).(string); ok {
		return name
	}
	return ""
}

// TraceSpan is a helper for instrumenting a named processing step with
// timing information rather than only logging request-level latency. It
// logs the span name, duration, and any error that occurred.
type TraceSpan struct {
	Name          string
	CorrelationID string
	ConvoID       string
	Start         time.Time
	Logger        *slog.Logger
}

// StartSpan begins a new trace span with the given name, associated with
// the correlation ID and convoId (if any) already set on ctx.
func StartSpan(ctx context.Context, name string, logger *slog.Logger) *TraceSpan {
	convoID := ""
	if fields, ok := ctx.Value(requestFieldsKey).(*requestFields); ok {
		convoID = fields.convoID
	}
	return &TraceSpan{
		Name:          name,
		CorrelationID: GetCorrelationID(ctx),
		ConvoID:       convoID,
		Start:         time.Now(),
		Logger:        logger,
	}
}

// End completes the trace span and logs its duration. If err is non-nil, the
// span is logged at error level with the error message.
func (s *TraceSpan) End(err error) {
	duration := time.Since(s.Start)
	attrs := []slog.Attr{
		slog.String("trace_id", s.CorrelationID),
		slog.String("span", s.Name),
		slog.Duration("duration", duration),
	}
	if s.ConvoID != "" {
		attrs = append(attrs, slog.String("convoId", s.ConvoID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.Logger.LogAttrs(context.Background(), slog.LevelError, "span completed with error", attrs...)
	} else {
		s.Logger.LogAttrs(context.Background(), slog.LevelDebug, "span completed", attrs...)
	}
}

// OTLPConfig holds configuration for an OpenTelemetry Protocol exporter
// (an OTLP endpoint such as Jaeger, Tempo, or any OTLP-compatible backend).
// Nothing in this package reads it to export traces; it only carries and
// validates the settings.
type OTLPConfig struct {
	// Enabled controls whether OTLP trace export is active.
	Enabled bool `toml:"enabled"`

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317" for gRPC).
	Endpoint string `toml:"endpoint"`

	// Protocol is the OTLP transport protocol: "grpc" or "http".
	Protocol string `toml:"protocol"`

	// ServiceName is the service name reported to the collector.
	ServiceName string `toml:"service_name"`

	// SampleRate is the fraction of traces to sample (0.0 to 1.0).
	// Use 1.0 for development, 0.1 or lower for production.
	SampleRate float64 `toml:"sample_rate"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool `toml:"insecure"`
}

// DefaultOTLPConfig returns sensible defaults for OTLP configuration.
func DefaultOTLPConfig() OTLPConfig {
	return OTLPConfig{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		Protocol:    "grpc",
		ServiceName: "mlsds",
		SampleRate:  0.1,
		Insecure:    true,
	}
}

// Validate checks that the OTLP configuration is valid when enabled.
func (c OTLPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("otlp: endpoint is required when tracing is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http" {
		return fmt.Errorf("otlp: protocol must be 'grpc' or 'http' (got %q)", c.Protocol)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("otlp: sample_rate must be between 0.0 and 1.0 (got %f)", c.SampleRate)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("otlp: service_name is required when tracing is enabled")
	}
	return nil
}

// statusWriter wraps http.ResponseWriter to capture the status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}
