package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ConsoleFormatter renders log entries with per-level colors for interactive
// use (swarmd). Structured output for machine consumption should use the
// default formatter instead.
type ConsoleFormatter struct{}

var levelColors = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgGreen),
	logrus.InfoLevel:  color.New(color.FgWhite),
	logrus.WarnLevel:  color.New(color.FgBlue),
	logrus.ErrorLevel: color.New(color.FgRed),
}

// Format implements logrus.Formatter.
func (f *ConsoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	c, ok := levelColors[e.Level]
	if !ok {
		c = color.New(color.FgWhite)
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Time.Format("2006-01-02 15:04:05.000"), strings.ToUpper(e.Level.String()), e.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	return []byte(c.Sprintln(b.String())), nil
}

// NewConsole creates a Logger with colored console output.
func NewConsole(out io.Writer, level Level) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(toLogrus(level))
	l.SetFormatter(&ConsoleFormatter{})
	return &Logger{entry: logrus.NewEntry(l)}
}
