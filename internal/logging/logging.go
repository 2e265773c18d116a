// Package logging provides the structured, component-tagged logging used
// across the server. Output goes to stderr by default; SetOutput(nil)
// silences it.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	output      io.Writer = os.Stderr
	mu          sync.Mutex
	warnedOnce  sync.Map // component+key -> struct{}, for one-time warnings
)

// SetOutput redirects all log output. Pass nil to silence it entirely.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// Log writes a component-tagged line unconditionally.
func Log(component, format string, args ...interface{}) {
	w := writer()
	if w == nil {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(w, "%s [%s] "+format+"\n", append([]interface{}{ts, component}, args...)...)
}

// Warn writes a component-tagged warning line.
func Warn(component, format string, args ...interface{}) {
	Log(component, "WARN: "+format, args...)
}

// WarnOnce logs a warning at most once per (component, key) pair for the
// life of the process. Used for things like the allow-list /0 notice,
// which should only ever be emitted once.
func WarnOnce(component, key, format string, args ...interface{}) {
	dedupeKey := component + "\x00" + key
	if _, loaded := warnedOnce.LoadOrStore(dedupeKey, struct{}{}); loaded {
		return
	}
	Warn(component, format, args...)
}

// Fatal formats a catastrophic startup failure and returns it as an error;
// callers at the top level (cmd/shadercompiled) decide whether to exit.
func Fatal(component, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	Log(component, "FATAL: %s", msg)
	return fmt.Errorf("%s: %s", component, msg)
}
