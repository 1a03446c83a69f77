package testlog

import (
	"testing"

	"github.com/danmuck/hipipe/internal/logging"
	"github.com/rs/zerolog"
)

// Start configures the test profile and returns a logger bound to t.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	settings := logging.ConfigureTests()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(settings.Level)
	logger.Info().Str("test", t.Name()).Msg("start")
	return logger
}
