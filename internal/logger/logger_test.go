package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInitStdWritesText(t *testing.T) {
	var buf bytes.Buffer
	log := Init(Config{Service: "demo", Env: EnvDev, Backend: BackendStd, Level: slog.LevelDebug, Output: &buf})

	log.Debug("hello world", slog.String("room_id", "abc123"))

	out := buf.String()
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "service=demo")
	assert.Contains(t, out, "env=dev")
	assert.Contains(t, out, "room_id=abc123")
	assert.NotContains(t, out, "{")
	assert.Same(t, log, slog.Default())
}

func TestInitZapWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Init(Config{
		Service:          "demo",
		Version:          "1.2.3",
		Env:              EnvProd,
		Level:            slog.LevelInfo,
		SampleInitial:    100000,
		SampleThereafter: 100000,
		Output:           &buf,
	})

	log.Info("room created", slog.String("room_id", "abc123"))
	log.Debug("filtered")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	require.NotContains(t, line, "filtered")

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(line, "\n")[0]), &m))
	assert.Equal(t, "room created", m["msg"])
	assert.Equal(t, "demo", m["service"])
	assert.Equal(t, "1.2.3", m["version"])
	assert.Equal(t, "abc123", m["room_id"])
}

func TestAttrsFromCtx(t *testing.T) {
	assert.Nil(t, AttrsFromCtx(context.Background()))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	attrs := AttrsFromCtx(ctx)
	require.Len(t, attrs, 2)
	assert.Equal(t, "trace_id", attrs[0].Key)
	assert.Equal(t, sc.TraceID().String(), attrs[0].Value.String())
	assert.Equal(t, "span_id", attrs[1].Key)
}

func TestParseEnv(t *testing.T) {
	assert.Equal(t, EnvProd, ParseEnv("Production"))
	assert.Equal(t, EnvStage, ParseEnv(" staging "))
	assert.Equal(t, EnvDev, ParseEnv(""))

	t.Setenv("RELAY_ENV", "prod")
	assert.Equal(t, EnvProd, DetectEnv())
}
