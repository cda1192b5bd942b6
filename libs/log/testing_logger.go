package log

import (
	"os"
	"testing"
)

// TestingLogger returns a Logger which writes to STDOUT if the verbose flag
// (-v) is set and discards everything otherwise.
//
// NOTE: use it only in tests.
func TestingLogger() Logger {
	if testing.Verbose() {
		return NewLogger(os.Stdout)
	}
	return NewNopLogger()
}
