package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf, Service: "enforcer"})
	log.Debug("execution missed", "rule_id", "r1", "debt_minutes", 45)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "execution missed", rec["msg"])
	assert.Equal(t, "enforcer", rec["service"])
	assert.Equal(t, "r1", rec["rule_id"])
	assert.EqualValues(t, 45, rec["debt_minutes"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}
