package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log := New(Options{Level: "warn", Format: "json"})
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" ERROR ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
		"trace":   zerolog.TraceLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Str("deal_id", "d-1").Msg("run persisted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run persisted", line["message"])
	assert.Equal(t, "d-1", line["deal_id"])
	assert.Contains(t, line, "time")
}

func TestServiceField(t *testing.T) {
	buf := &bytes.Buffer{}
	log := build(buf, Options{Service: "dce-api"})
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"service":"dce-api"`)
}

func TestContextRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))
	require.NotNil(t, ctx.Value(LoggerKey))

	ctxLog := FromContext(ctx)
	ctxLog.Info().Msg("from context")
	assert.Contains(t, buf.String(), "from context")
}

func TestFromContextDefault(t *testing.T) {
	log := FromContext(context.Background())
	assert.Equal(t, zerolog.Disabled, log.GetLevel())
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"run_id":  "r-1",
		"trigger": "manual_rerun",
	})
	log.Info().Msg("test message")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"run_id":"r-1"`))
	assert.True(t, strings.Contains(out, `"trigger":"manual_rerun"`))
}

func TestForDeal(t *testing.T) {
	buf := &bytes.Buffer{}
	dealLog := ForDeal(NewWithWriter(buf), "deal-9")
	dealLog.Info().Msg("x")
	assert.Contains(t, buf.String(), `"deal_id":"deal-9"`)
}
