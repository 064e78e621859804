package connector

import (
	"fmt"
	"runtime"
	"strings"
)

// maxStateBytes bounds the connector state captured into logs and errors.
const maxStateBytes = 1024

// ConnectorError wraps an error or panic raised by connector code together
// with a snapshot of the adapter state at the time of failure.
type ConnectorError struct {
	Source     string
	Capability CapabilityKind
	// State is a truncated snapshot of the adapter state and the deepest
	// connector stack frame.
	State string
	// Stack is set when the failure was a panic.
	Stack string
	Err   error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s (%s) failed: %v", e.Source, e.Capability, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// panicFrame returns the frame that raised the current panic. It must be
// called from the deferred function handling the panic.
func panicFrame() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
		}
		if !more {
			return ""
		}
	}
}

func panicStack() string {
	buf := make([]byte, 8192)
	return string(buf[:runtime.Stack(buf, false)])
}
