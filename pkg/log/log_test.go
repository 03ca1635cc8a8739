package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_Format(t *testing.T) {
	var buf bytes.Buffer

	New(&buf, "info", "json").Info("run started", "execution_id", "exec-1")
	assert.Contains(t, buf.String(), `"execution_id":"exec-1"`)

	buf.Reset()
	New(&buf, "error", "text").Info("dropped")
	assert.Empty(t, buf.String())
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, "info", "text")
	ctx := WithContext(context.Background(), logger)

	FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}
