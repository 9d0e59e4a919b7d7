package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"info", "", zapcore.InfoLevel},
		{"DEBUG", FormatConsole, zapcore.DebugLevel},
		{"warn", FormatJSON, zapcore.WarnLevel},
		{" error ", FormatJSON, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		require.NoError(t, err, tt.level)
		assert.True(t, logger.Core().Enabled(tt.want))
		assert.False(t, logger.Core().Enabled(tt.want-1))
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", FormatJSON)
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)

	assert.Panics(t, func() { Must("loud", "") })
}
