package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

func TestInitDisabled(t *testing.T) {
	closer, err := Init(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}

func TestTagAttempt(t *testing.T) {
	tracer := mocktracer.New()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(opentracing.NoopTracer{})

	span, _ := StartSpan(context.Background(), "attempt")
	TagAttempt(span, models.Attempt{
		VideoID:       "abc",
		Strategy:      models.SourceDirectText,
		Outcome:       models.OutcomeBlocked,
		AttemptNumber: 2,
		ProxyUsed:     true,
		Error:         "HTTP 429",
	})
	LogError(span, errors.New("ignored twice"))
	FinishSpan(span)

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "direct_text", spans[0].Tag("strategy"))
	assert.Equal(t, "blocked", spans[0].Tag("outcome"))
	assert.Equal(t, 2, spans[0].Tag("attempt_number"))
	assert.Equal(t, true, spans[0].Tag("error"))
}

func TestNilSpanHelpers(t *testing.T) {
	assert.NotPanics(t, func() {
		FinishSpan(nil)
		LogError(nil, errors.New("x"))
		SetTag(nil, "k", "v")
		TagAttempt(nil, models.Attempt{})
	})
}
