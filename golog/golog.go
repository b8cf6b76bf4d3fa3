// Package golog adapts github.com/ipfs/go-log/v2 to wraith.Logger.
//
//	logger := golog.New("wraith")
//	_ = golog.SetLevel("wraith", "debug")
//	cfg := wraith.NewConfig(key, addr, wraith.WithLogger(logger))
package golog

import (
	logging "github.com/ipfs/go-log/v2"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
)

// Logger forwards structured log calls to a named go-log subsystem.
type Logger struct {
	log *logging.ZapEventLogger
}

var _ wraith.Logger = (*Logger)(nil)

// New returns a Logger for the go-log subsystem name.
func New(name string) *Logger {
	return &Logger{log: logging.Logger(name)}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.log.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.log.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.log.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.log.Errorw(msg, keysAndValues...) }

// SetLevel sets the level of subsystem name, or of every subsystem when
// name is "*". Levels are debug, info, warn, error, dpanic, panic and
// fatal.
func SetLevel(name, level string) error {
	if name == "*" {
		lvl, err := logging.LevelFromString(level)
		if err != nil {
			return err
		}
		logging.SetAllLoggers(lvl)
		return nil
	}
	return logging.SetLogLevel(name, level)
}
