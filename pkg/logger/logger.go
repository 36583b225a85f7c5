/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package logger constructs the process-wide logr.Logger backed by zap.
package logger

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a logr.Logger with level control and flushing.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a console logger writing to stderr.
// The name becomes the root logger name; verbosity defaults to info level.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevel()
	core := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), atomicLevel)
	zapLogger := zap.New(core)

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

// SetLevel adjusts the minimum level written to the console.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetVerbosity maps a logr-style verbosity (0, 1, 2, ...) onto the console
// level. Verbosity 0 is info; higher values enable progressively more
// detailed debug output.
func (l *Logger) SetVerbosity(v int) {
	if v <= 0 {
		l.atomicLevel.SetLevel(zapcore.InfoLevel)
		return
	}
	l.atomicLevel.SetLevel(zapcore.Level(-v))
}

// Flush writes any buffered log entries.
func (l *Logger) Flush() {
	l.flush()
}
