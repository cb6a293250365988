package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		level   string
		enabled zapcore.Level
		wantErr bool
	}{
		{"development default", "", "", zapcore.DebugLevel, false},
		{"production default", "production", "", zapcore.InfoLevel, false},
		{"production debug", "prod", "debug", zapcore.DebugLevel, false},
		{"development warn", "dev", "warn", zapcore.WarnLevel, false},
		{"unknown mode", "verbose", "", 0, true},
		{"unknown level", "dev", "loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.mode, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.enabled))
			assert.False(t, logger.Core().Enabled(tt.enabled-1))
		})
	}
}
