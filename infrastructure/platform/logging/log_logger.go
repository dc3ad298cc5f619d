// Package logging implements application.Logger over the standard library
// logger.
package logging

import (
	"log"

	"tungo/application"
)

// LogLogger forwards every Printf call to the standard library logger.
type LogLogger struct{}

// NewLogLogger returns an application.Logger backed by the standard library
// logger.
func NewLogLogger() application.Logger {
	return &LogLogger{}
}

func (l *LogLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}
