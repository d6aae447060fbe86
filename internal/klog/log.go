// Package klog is the kernel's single logging sink. Every subsystem that
// can fail fatally routes through it so a panic always leaves a log line
// behind it first.
package klog

import (
	"fmt"
	"log"
	"os"
)

// Logger wraps a *log.Logger with the kernel's leveled conventions.
type Logger struct {
	l *log.Logger
}

// Kernel is the default logger, writing to stderr with no extra prefix;
// boot code may call SetOutput to redirect it once a console driver exists.
var Kernel = &Logger{l: log.New(os.Stderr, "", log.Lmicroseconds)}

// SetOutput redirects subsequent log output, e.g. once a UART console is attached.
func SetOutput(l *Logger) {
	Kernel = l
}

// Printf logs an informational line.
func (lg *Logger) Printf(format string, args ...any) {
	lg.l.Printf(format, args...)
}

// Warnf logs a warning line.
func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Printf("warn: "+format, args...)
}

// Panicf logs then panics, so every fatal kernel invariant leaves a trace
// before the machine halts.
func (lg *Logger) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lg.l.Printf("panic: %s", msg)
	panic(msg)
}

func Printf(format string, args ...any) { Kernel.Printf(format, args...) }
func Warnf(format string, args ...any)  { Kernel.Warnf(format, args...) }
func Panicf(format string, args ...any) { Kernel.Panicf(format, args...) }
