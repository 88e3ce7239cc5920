package utils

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor_PrefixesCompleteLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	n, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = li.Write([]byte("ond\r\n"))
	require.NoError(t, err)

	_, err = li.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, li.Close())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 time="))
	assert.True(t, strings.HasSuffix(lines[0], " first"))
	assert.True(t, strings.HasSuffix(lines[1], " second"))
	assert.True(t, strings.HasPrefix(lines[2], "line=3 "))
	assert.True(t, strings.HasSuffix(lines[2], " tail"))
}

func TestMultiLogHandler_FansOut(t *testing.T) {
	var debugOut, infoOut bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debugOut, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoOut, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(h).With("component", "test")

	logger.Debug("only debug")
	logger.Info("both")

	assert.Contains(t, debugOut.String(), "only debug")
	assert.Contains(t, debugOut.String(), "component=test")
	assert.NotContains(t, infoOut.String(), "only debug")
	assert.Contains(t, infoOut.String(), "both")
}
