// Package logging builds the logrus loggers used for staging progress lines.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// Discard returns a logger that drops everything. Core packages fall back to
// it when no logger is injected.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// NewConsole writes bare progress lines ("✔ Downloaded ...") to out.
func NewConsole(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &LineFormatter{}
	logger.Level = logrus.InfoLevel
	return logger
}

// NewJSON writes one JSON object per line, without timestamps.
func NewJSON(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &logrus.JSONFormatter{DisableTimestamp: true}
	logger.Level = logrus.InfoLevel
	return logger
}

// LineFormatter prints the message followed by sorted key=value fields.
// Level and time are left out so lines read like plain console output.
type LineFormatter struct{}

func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteString(entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		buffer.WriteByte(' ')
		buffer.WriteString(key)
		buffer.WriteByte('=')
		fmt.Fprint(&buffer, entry.Data[key])
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}
