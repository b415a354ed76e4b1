package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/progress"
)

// LogSink writes run events as structured logs. File completions are logged
// at debug level to keep large runs readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("runs")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", string(evt.Phase)))
		}
		if evt.Path != "" {
			fields = append(fields, zap.String("path", evt.Path), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageFileDone, progress.StageRunPhase:
			s.logger.Debug("run event", fields...)
		case progress.StageFileError, progress.StageRunError:
			s.logger.Warn("run event", fields...)
		default:
			s.logger.Info("run event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
