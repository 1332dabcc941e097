package notify

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// LoggerAdapter routes watermill logs to zerolog.
type LoggerAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = LoggerAdapter{}

// NewLoggerAdapter wraps logger.
func NewLoggerAdapter(logger zerolog.Logger) LoggerAdapter {
	return LoggerAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (a LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return LoggerAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
