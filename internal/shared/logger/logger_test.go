package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Level = LevelDebug
	cfg.Component = "test-component"
	return NewWithWriter(cfg, buf)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestErrorCtx_EnrichesDomainErrors(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithServerID(ctx, "3")
	ctx = WithOwnerID(ctx, "42")

	domainErr := apperrors.NewIPError(apperrors.ErrCodePoolExhausted, "pool full", false, nil).
		WithMetadata("pool", "10.8.0.0/24")
	l.ErrorCtx(ctx, "create failed", fmt.Errorf("create: %w", domainErr), slog.String("extra", "value"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]

	for _, k := range []string{"error", "error_domain", "error_code", "retryable", "request_id", "server_id", "owner_id", "component", "pool", "extra"} {
		assert.Contains(t, entry, k)
	}
	assert.Equal(t, apperrors.ErrCodePoolExhausted, entry["error_code"])
	assert.Equal(t, "ERROR", entry["level"])
}

func TestErrorCtx_PlainError(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	l.ErrorCtx(context.Background(), "boom", errors.New("plain"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "plain", entries[0]["error"])
	assert.NotContains(t, entries[0], "error_code")
}

func TestOperationLifecycle(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf)

	op := l.StartOp(WithConfigID(context.Background(), "cfg-1"), "renew", slog.Int64("server_id", 7))
	op.Progress("device updated")
	op.Fail(apperrors.ErrDeviceUnreachable, "")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "operation started", entries[0]["msg"])
	assert.Equal(t, "device updated", entries[1]["msg"])
	assert.Equal(t, "operation failed", entries[2]["msg"])
	assert.Equal(t, "renew", entries[2]["operation"])
	assert.Equal(t, "cfg-1", entries[2]["config_id"])
	assert.Equal(t, apperrors.ErrCodeDeviceUnreachable, entries[2]["error_code"])
	assert.Equal(t, true, entries[2]["retryable"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(&buf).WithComponent("reconciler")

	l.Info("tick")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "reconciler", entries[0]["subsystem"])
	assert.Equal(t, "test-component", entries[0]["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
