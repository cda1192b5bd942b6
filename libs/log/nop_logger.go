package log

// nopLogger discards everything. It is the default for channels and sockets
// constructed without a logger option.
type nopLogger struct{}

var _ Logger = nopLogger{}

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

func (l nopLogger) With(...any) Logger { return l }

func (nopLogger) Impl() any { return nil }
