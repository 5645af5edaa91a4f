// Package observability provides structured logging and distributed tracing
// for genforge's request path: the LLM Gateway's provider calls, the
// Workspace's container exec and transient-Postgres calls, and the HTTP
// server in cmd/genforge.
//
// # Logging
//
// Logger wraps slog with request-ID correlation pulled from context and
// redaction of API keys/tokens/secrets before they reach a log line:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, traceID)
//	logger.Info(ctx, "request accepted", "api_key", key) // api_key is redacted
//
// # Tracing
//
// Tracer wraps OpenTelemetry: if TraceConfig.Endpoint is empty, Start
// returns a no-op span, so every call site can wrap itself unconditionally
// without an extra "is tracing enabled" branch.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "genforge",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4-20250514")
//	defer span.End()
//	tracer.RecordError(span, err)
package observability
