package cache

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

// lineFormatter renders one compact line per entry; the cache logs a lot
// at debug level (every map walk and state change), so the format stays
// grep-friendly: timestamp, component, level, message.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	const timeFormat = "2006/01/02 15:04:05.000000"
	line := fmt.Sprintf("%s objectcacher[%d] <%s>: %s",
		e.Time.Format(timeFormat),
		os.Getpid(),
		strings.ToUpper(e.Level.String()),
		e.Message)
	if len(e.Data) != 0 {
		line += fmt.Sprintf(" %v", e.Data)
	}
	return []byte(line + "\n"), nil
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(lineFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogLevel adjusts the cache's log verbosity.
func SetLogLevel(lvl logrus.Level) {
	logger.SetLevel(lvl)
}

// SetLogOutput redirects the cache's log, e.g. into the host's log file.
func SetLogOutput(f *os.File) {
	logger.SetOutput(f)
}
