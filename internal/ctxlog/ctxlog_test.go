package ctxlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		logger, err := New(&buf, "warn", FormatJSON)
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown", slog.String("session_id", "s1"))

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "shown", line["msg"])
		assert.Equal(t, "s1", line["session_id"])
	})

	t.Run("Text", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		logger, err := New(&buf, "DEBUG", "")
		require.NoError(t, err)
		logger.Debug("visible")
		assert.Contains(t, buf.String(), "msg=visible")
	})

	t.Run("BadInput", func(t *testing.T) {
		t.Parallel()
		_, err := New(&bytes.Buffer{}, "loud", FormatText)
		require.Error(t, err)
		_, err = New(&bytes.Buffer{}, "info", "xml")
		require.Error(t, err)
	})
}

func TestContextCarriage(t *testing.T) {
	t.Parallel()
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}
