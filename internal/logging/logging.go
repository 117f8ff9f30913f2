// Package logging sets up the rotating engine log. Chat output goes to
// the terminal; this log is for diagnostics only.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// DevMode mirrors MIXPILOT_DEBUG=1 and additionally copies log
	// output to stderr.
	DevMode = os.Getenv("MIXPILOT_DEBUG") == "1"
)

// Setup returns a logger writing to a size-rotated file at path. The
// returned closer flushes and releases the file.
func Setup(path string) (*log.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	var w io.Writer = rotator
	if DevMode {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return log.New(w, "mixpilot ", log.LstdFlags|log.Lmicroseconds), rotator
}

// Discard returns a logger that drops everything, for tests and for
// callers that pass no log path.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
