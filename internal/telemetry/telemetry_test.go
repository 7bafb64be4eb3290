package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("disabled skips validation", func(t *testing.T) {
		cfg := &Config{Enabled: false}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("enabled requires endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = ""
		assert.ErrorContains(t, cfg.Validate(), "endpoint is required")
	})

	t.Run("enabled requires service name", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.ServiceName = ""
		assert.ErrorContains(t, cfg.Validate(), "service_name is required")
	})

	t.Run("sample rate range", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.SampleRate = 1.5
		assert.ErrorContains(t, cfg.Validate(), "sample rate")
	})
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.IsDegraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNew_InvalidConfigFails(t *testing.T) {
	_, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.IsDegraded())
}
