package logging

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_DebugLevel(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_RejectsBadValues(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestIsStderrSyncError(t *testing.T) {
	assert.True(t, isStderrSyncError(syscall.EINVAL))
	assert.True(t, isStderrSyncError(syscall.ENOTTY))
	assert.False(t, isStderrSyncError(syscall.EPERM))
	assert.False(t, isStderrSyncError(assert.AnError))
}
