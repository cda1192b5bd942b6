package log_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multisock/multisock/libs/log"
)

func TestJSONLoggerNoTS(t *testing.T) {
	var buf bytes.Buffer

	logger := log.NewJSONLoggerNoTS(&buf)
	logger.Info("hello", "key", "val")

	require.JSONEq(t, `{"level":"INFO","msg":"hello","key":"val"}`, strings.TrimSpace(buf.String()))
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer

	logger := log.NewJSONLoggerNoTS(&buf).With("topic", "room:1")
	logger.Debug("joined")

	require.JSONEq(t, `{"level":"DEBUG","msg":"joined","topic":"room:1"}`, strings.TrimSpace(buf.String()))
}

func TestLoggerLogsErrors(t *testing.T) {
	var buf bytes.Buffer

	logger := log.NewLogger(&buf)
	logger.Error("send failed", "err", errors.New("broken pipe"))

	msg := buf.String()
	require.Contains(t, msg, "send failed")
	require.Contains(t, msg, "broken pipe")
}

func TestNopLogger(t *testing.T) {
	logger := log.NewNopLogger()
	logger.Info("a", "b", "c")
	logger.With("d", "e").Error("f")
	require.Nil(t, logger.Impl())
}
