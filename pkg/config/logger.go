package config

import (
	"github.com/cyclopcam/logs"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var levels = map[string]level{
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// levelLog drops messages below min before they reach the underlying log.
type levelLog struct {
	log logs.Log
	min level
}

// NewLogger opens the process log filtered at the configured level.
func (c LogConfig) NewLogger() (logs.Log, error) {
	base, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	return FilterLevel(base, c.Level), nil
}

// FilterLevel wraps log so that messages below the named level are dropped.
// Unknown level names keep everything.
func FilterLevel(log logs.Log, name string) logs.Log {
	min, ok := levels[name]
	if !ok || min == levelDebug {
		return log
	}
	return &levelLog{log: log, min: min}
}

func (l *levelLog) Close() {
	l.log.Close()
}

func (l *levelLog) Debugf(format string, a ...interface{}) {
	if l.min <= levelDebug {
		l.log.Debugf(format, a...)
	}
}

func (l *levelLog) Infof(format string, a ...interface{}) {
	if l.min <= levelInfo {
		l.log.Infof(format, a...)
	}
}

func (l *levelLog) Warnf(format string, a ...interface{}) {
	if l.min <= levelWarn {
		l.log.Warnf(format, a...)
	}
}

func (l *levelLog) Errorf(format string, a ...interface{}) {
	l.log.Errorf(format, a...)
}

func (l *levelLog) Criticalf(format string, a ...interface{}) {
	l.log.Criticalf(format, a...)
}
