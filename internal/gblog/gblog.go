// Package gblog is a tiny leveled wrapper around the standard library
// logger, used for load-time diagnostics and modelled-hardware-quirk
// warnings (for example a bad header checksum).
package gblog

import (
	"log"
	"os"
)

// Logger wraps *log.Logger with Info/Warn/Error helpers. The zero value is
// not usable; construct with New or use Default.
type Logger struct {
	l *log.Logger
}

// New builds a Logger writing to os.Stderr with the given prefix.
func New(prefix string) *Logger {
	return &Logger{l: log.New(os.Stderr, prefix, log.LstdFlags)}
}

var std = New("gbcore: ")

// Default returns the package-level logger used when callers don't need a
// dedicated prefix.
func Default() *Logger { return std }

func (g *Logger) Infof(format string, args ...any) {
	if g == nil {
		return
	}
	g.l.Printf("INFO "+format, args...)
}

func (g *Logger) Warnf(format string, args ...any) {
	if g == nil {
		return
	}
	g.l.Printf("WARN "+format, args...)
}

func (g *Logger) Errorf(format string, args ...any) {
	if g == nil {
		return
	}
	g.l.Printf("ERROR "+format, args...)
}
