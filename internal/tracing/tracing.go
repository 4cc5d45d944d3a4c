// Package tracing wires Jaeger spans around transcript requests and the
// strategy attempts inside them.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs the global tracer described by cfg. When tracing is disabled
// the global no-op tracer stays in place and the returned closer does nothing.
func Init(cfg config.TracingConfig) (io.Closer, error) {
	if !cfg.Enabled {
		return nopCloser{}, nil
	}

	_, closer, err := InitTracer(cfg.ServiceName, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	return closer, nil
}

// InitTracer initializes the Jaeger tracer
func InitTracer(serviceName, jaegerEndpoint string) (opentracing.Tracer, io.Closer, error) {
	if serviceName == "" {
		serviceName = "transcript"
	}

	cfg := &jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:            false,
			CollectorEndpoint:   jaegerEndpoint,
			BufferFlushInterval: 1,
		},
	}

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// StartSpan starts a new span with the given operation name
func StartSpan(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operationName)
	return span, ctx
}

// FinishSpan finishes a span
func FinishSpan(span opentracing.Span) {
	if span != nil {
		span.Finish()
	}
}

// LogError logs an error to the span
func LogError(span opentracing.Span, err error) {
	if span != nil && err != nil {
		span.SetTag("error", true)
		span.LogKV("error", err.Error())
	}
}

// SetTag sets a tag on the span
func SetTag(span opentracing.Span, key string, value interface{}) {
	if span != nil {
		span.SetTag(key, value)
	}
}

// TagAttempt records a finished attempt on its span
func TagAttempt(span opentracing.Span, a models.Attempt) {
	if span == nil {
		return
	}
	span.SetTag("video_id", a.VideoID)
	span.SetTag("strategy", string(a.Strategy))
	span.SetTag("outcome", string(a.Outcome))
	span.SetTag("attempt_number", a.AttemptNumber)
	span.SetTag("proxy_used", a.ProxyUsed)
	if a.Profile != "" {
		span.SetTag("profile", a.Profile)
	}
	if a.Outcome.IsFailure() {
		span.SetTag("error", true)
		if a.Error != "" {
			LogError(span, errors.New(a.Error))
		}
	}
}
