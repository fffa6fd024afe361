// Package obs exposes the tracer and the session counters used by the voice
// gateway. Without an SDK installed the otel globals are no-ops.
package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vango-go/vai-voice"

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	sessionsStarted metric.Int64Counter
	sessionsClosed  metric.Int64Counter
	audioInBytes    metric.Int64Counter
	audioOutChunks  metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func counters() instruments {
	instOnce.Do(func() {
		m := Meter()
		// Instrument creation only fails on invalid names; the fallback is a
		// nil counter, which the recorders below skip.
		inst.sessionsStarted, _ = m.Int64Counter("voice.sessions.started")
		inst.sessionsClosed, _ = m.Int64Counter("voice.sessions.closed")
		inst.audioInBytes, _ = m.Int64Counter("voice.audio.in_bytes", metric.WithUnit("By"))
		inst.audioOutChunks, _ = m.Int64Counter("voice.audio.out_chunks")
	})
	return inst
}

func SessionStarted(ctx context.Context) {
	if c := counters().sessionsStarted; c != nil {
		c.Add(ctx, 1)
	}
}

func SessionClosed(ctx context.Context, reason string) {
	if c := counters().sessionsClosed; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func AudioIn(ctx context.Context, nbytes int) {
	if c := counters().audioInBytes; c != nil && nbytes > 0 {
		c.Add(ctx, int64(nbytes))
	}
}

func AudioOutChunk(ctx context.Context) {
	if c := counters().audioOutChunks; c != nil {
		c.Add(ctx, 1)
	}
}

// StartSpan starts a span named name with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, when set, and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
