// Package sinks contains the bundled progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/progress"
)

// Log writes every progress event as a structured log line. Useful on its own in
// small deployments and as a debugging tap next to the metrics sink.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a sink that logs events through logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Name implements progress.Sink.
func (l *Log) Name() string { return "log" }

// Consume logs each event in the batch.
func (l *Log) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.Time("ts", evt.TS),
		}
		if evt.SourceID != "" {
			fields = append(fields, zap.String("source_id", evt.SourceID))
		}
		if evt.DeviceID != "" {
			fields = append(fields, zap.String("device_id", evt.DeviceID))
		}
		if evt.Quality != "" {
			fields = append(fields, zap.String("quality", evt.Quality))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", string(evt.Outcome)))
		}
		if evt.Signal != "" {
			fields = append(fields, zap.String("signal", string(evt.Signal)))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		l.logger.Info(string(evt.Stage), fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (l *Log) Close(context.Context) error { return nil }
