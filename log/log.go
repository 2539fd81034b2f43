// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package log is the levelled logging facade used by every koine component.
// Server code never terminates the program on a logging call; fatal handling
// belongs to main.
package log // import "mellium.im/koine/log"

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log verbosity.
type Level int

// Available log levels, in increasing order of severity.
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	OffLevel
)

var (
	mu     sync.Mutex
	level  = InfoLevel
	output io.Writer = os.Stderr
)

// SetLevel sets the minimum severity that will be written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects the log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

// Debugf writes a debug level record.
func Debugf(format string, args ...interface{}) {
	write(DebugLevel, "DBG", format, args...)
}

// Infof writes an info level record.
func Infof(format string, args ...interface{}) {
	write(InfoLevel, "INF", format, args...)
}

// Warnf writes a warning level record.
func Warnf(format string, args ...interface{}) {
	write(WarnLevel, "WRN", format, args...)
}

// Errorf writes an error level record.
func Errorf(format string, args ...interface{}) {
	write(ErrorLevel, "ERR", format, args...)
}

// Error writes an error value as an error level record.
func Error(err error) {
	if err == nil {
		return
	}
	write(ErrorLevel, "ERR", "%v", err)
}

func write(l Level, tag, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	fmt.Fprintf(output, "%s %s %s\n",
		time.Now().Format("2006-01-02 15:04:05"), tag,
		fmt.Sprintf(format, args...))
}
