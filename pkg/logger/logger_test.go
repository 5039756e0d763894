package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slatecanvas/slate/pkg/logger"
)

func TestLog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	log := logger.New(buff)

	require.Equal(t, 0, buff.Len())
	log.Info("node committed", "version", 3)

	require.Contains(t, buff.String(), "node committed")
	require.Contains(t, buff.String(), `"version":3`)
}

func TestLogOddArgs(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	log := logger.New(buff)

	// A trailing key with no value is dropped rather than panicking.
	log.Warn("reindex triggered", "page")
	require.Contains(t, buff.String(), "reindex triggered")
}

func TestNop(t *testing.T) {
	require.NotPanics(t, func() {
		logger.Nop().Error("ignored")
	})
}
