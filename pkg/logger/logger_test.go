package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faqforge/billing/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json format produces parseable records", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.Config{Level: "info", Format: "json"}, logger.WithOutput(&buf))

		log.InfoContext(context.Background(), "event processed", "event_id", "evt_123")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "event processed", record["msg"])
		assert.Equal(t, "evt_123", record["event_id"])
	})

	t.Run("text format is human readable", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.Config{Level: "info", Format: "text"}, logger.WithOutput(&buf))

		log.Info("hello")

		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("level filters lower records", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.Config{Level: "warn", Format: "text"}, logger.WithOutput(&buf))

		log.Info("hidden")
		log.Warn("visible")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "visible")
	})

	t.Run("static attrs appear on every record", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.Config{Format: "text"},
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("service", "billing")),
		)

		log.Info("first")
		log.Info("second")

		assert.Equal(t, 2, strings.Count(buf.String(), "service=billing"))
	})

	t.Run("unknown level and format fall back to defaults", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.Config{Level: "loud", Format: "yaml"}, logger.WithOutput(&buf))

		log.Debug("hidden at default info level")
		log.Info("shown")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record), "fallback format should be json")
		assert.Equal(t, "shown", record["msg"])
	})
}
