package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) Logger {
	return NewStructuredLogger(LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "flagsync-test",
		Output:      buf,
	})
}

func TestStructuredLogger_CorrelationID(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf)

	ctx := WithCorrelationID(context.Background(), "cid-123")
	log.Info(ctx, "hello", map[string]interface{}{"k": "v"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "cid-123", line["correlation_id"])
	assert.Equal(t, "flagsync-test", line["service"])
	assert.Equal(t, "v", line["k"])
}

func TestStructuredLogger_ErrorAndWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf).WithFields(map[string]interface{}{"component": "registry"})

	log.Error(context.Background(), "boom", errors.New("bad"), nil)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "bad", line["error"])
	assert.Equal(t, "registry", line["component"])
}

func TestLogToggleEvent_RejectedIsWarn(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf)

	LogToggleEvent(context.Background(), log, "stale-version", "org-1", "beta-ui", "user-1", false, nil)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "beta-ui", line["flag_key"])
	assert.Equal(t, false, line["accepted"])
}

func TestCorrelationID_Missing(t *testing.T) {
	assert.Equal(t, "", CorrelationID(context.Background()))
}
