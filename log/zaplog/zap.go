// Package zaplog adapts a zap logger to pipedrive.Logger.
package zaplog

import (
	"go.uber.org/zap"

	pipedrive "github.com/iamsamuelfraga/mcp-pipedrive-sub000"
)

// Logger forwards key/value pairs to a zap sugared logger.
type Logger struct{ L *zap.SugaredLogger }

var _ pipedrive.Logger = Logger{}

// New wraps l.
func New(l *zap.Logger) Logger { return Logger{L: l.Sugar()} }

// Debug logs msg with key/value pairs at debug level.
func (z Logger) Debug(msg string, kv ...any) { z.L.Debugw(msg, kv...) }

// Info logs at info level.
func (z Logger) Info(msg string, kv ...any) { z.L.Infow(msg, kv...) }

// Warn logs at warn level.
func (z Logger) Warn(msg string, kv ...any) { z.L.Warnw(msg, kv...) }

// Error logs at error level.
func (z Logger) Error(msg string, kv ...any) { z.L.Errorw(msg, kv...) }
