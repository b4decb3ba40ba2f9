// Package sinks holds the bundled notification sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// LogSink writes every notification to the structured log. It is the
// sink of last resort when no durable delivery channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each notification using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []pipeline.Notification) error {
	for _, n := range batch {
		s.logger.Info("notification",
			zap.String("principal_id", n.PrincipalID),
			zap.String("type", n.Type),
			zap.String("title", n.Title),
			zap.String("message", n.Message),
			zap.Time("at", n.At),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
