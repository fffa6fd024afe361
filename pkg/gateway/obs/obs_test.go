package obs

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRecorders_NoopProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	SessionStarted(ctx)
	SessionClosed(ctx, "stop")
	AudioIn(ctx, 320)
	AudioIn(ctx, 0)
	AudioOutChunk(ctx)
}

func TestStartSpan_EndSpanRecordsError(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "voice.test", attribute.String("session_id", "s_1"))
	if ctx == nil || span == nil {
		t.Fatalf("StartSpan returned nil ctx=%v span=%v", ctx, span)
	}
	EndSpan(span, errors.New("boom"))
	EndSpan(nil, nil)
}
