package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type asynqLoggerAdapter struct {
	logger *zap.Logger
}

// NewAsynqLoggerAdapter lets asynq log through zap.
func NewAsynqLoggerAdapter(logger *zap.Logger) *asynqLoggerAdapter {
	return &asynqLoggerAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *asynqLoggerAdapter) Debug(args ...interface{}) {
	l.logger.Debug(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Info(args ...interface{}) {
	l.logger.Info(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Warn(args ...interface{}) {
	l.logger.Warn(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Error(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}

// Fatal is logged at error level. asynq calls it on unrecoverable server errors, and
// exiting here would skip the service's own shutdown.
func (l *asynqLoggerAdapter) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...), zap.Bool("fatal", true))
}
