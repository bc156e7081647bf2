package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerLock  sync.Mutex
	loggers     = make(map[string]*logrus.Logger)
	globalLevel = logrus.InfoLevel
)

// NewLogger returns the named logger, creating it on first use.
func NewLogger(loggerName string) *logrus.Logger {
	loggerLock.Lock()
	defer loggerLock.Unlock()

	if logger, ok := loggers[loggerName]; ok {
		return logger
	}
	logger := logrus.New()
	logger.SetLevel(globalLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.AddHook(nameHook(loggerName))
	loggers[loggerName] = logger
	return logger
}

// SetLevel applies the level to every logger created so far and to loggers created later.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	loggerLock.Lock()
	defer loggerLock.Unlock()
	globalLevel = lvl
	for _, l := range loggers {
		l.SetLevel(lvl)
	}
	return nil
}

type nameHook string

func (n nameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (n nameHook) Fire(entry *logrus.Entry) error {
	entry.Data["logger"] = string(n)
	return nil
}
