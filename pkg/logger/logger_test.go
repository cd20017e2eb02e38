package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	log, err := NewLogger("chatty")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
