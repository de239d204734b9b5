// Package logruslog adapts a logrus entry to pipedrive.Logger.
package logruslog

import (
	"fmt"

	"github.com/sirupsen/logrus"

	pipedrive "github.com/iamsamuelfraga/mcp-pipedrive-sub000"
)

// Logger forwards key/value pairs to logrus as fields.
type Logger struct{ E *logrus.Entry }

var _ pipedrive.Logger = Logger{}

// New wraps l in a fresh entry.
func New(l *logrus.Logger) Logger { return Logger{E: logrus.NewEntry(l)} }

// Debug logs msg with key/value pairs at debug level.
func (l Logger) Debug(msg string, kv ...any) { l.E.WithFields(fields(kv)).Debug(msg) }

// Info logs at info level.
func (l Logger) Info(msg string, kv ...any) { l.E.WithFields(fields(kv)).Info(msg) }

// Warn logs at warn level.
func (l Logger) Warn(msg string, kv ...any) { l.E.WithFields(fields(kv)).Warn(msg) }

// Error logs at error level.
func (l Logger) Error(msg string, kv ...any) { l.E.WithFields(fields(kv)).Error(msg) }

// fields pairs up keysAndValues; a dangling key is logged under "!BADKEY".
func fields(kv []any) logrus.Fields {
	if len(kv) == 0 {
		return nil
	}
	out := make(logrus.Fields, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 == len(kv) {
			out["!BADKEY"] = kv[i]
			break
		}
		out[key] = kv[i+1]
	}
	return out
}
