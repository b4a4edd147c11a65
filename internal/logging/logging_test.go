// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNewLevels confirms the -v count maps onto log levels.
func TestNewLevels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		verbosity int
		level     zapcore.Level
	}{
		{0, zapcore.WarnLevel},
		{1, zapcore.InfoLevel},
		{2, zapcore.DebugLevel},
		{5, zapcore.DebugLevel},
	}
	for _, tc := range cases {
		logger, err := New(tc.verbosity)
		if err != nil {
			t.Fatalf("New(%d) error = %v", tc.verbosity, err)
		}
		if logger == nil {
			t.Fatalf("New(%d) returned nil logger", tc.verbosity)
		}
		if !logger.Core().Enabled(tc.level) {
			t.Errorf("verbosity %d: expected level %v enabled", tc.verbosity, tc.level)
		}
	}
}
