package mirror

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var pkgLogger atomic.Pointer[logrus.Logger]

func init() {
	pkgLogger.Store(logrus.StandardLogger())
}

// SetLogger replaces the logger used by every component. Entries created
// before the call keep the previous logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	pkgLogger.Store(l)
}

// Logger returns the package logger.
func Logger() *logrus.Logger { return pkgLogger.Load() }

// SetLogLevel parses a logrus level name and applies it to the package logger.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger().SetLevel(lvl)
	return nil
}

func componentLog(component string) *logrus.Entry {
	return Logger().WithField("component", component)
}
