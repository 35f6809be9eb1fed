// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		out = append(out, entry)
	}
	return out
}

func TestLogger_WritesJSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("drain completed", map[string]interface{}{"successful": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "drain completed", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.EqualValues(t, 3, entries[0]["successful"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
}

func TestLogger_ErrorIncludesErrorAndCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("persist failed", "STORAGE_ERROR", errors.New("disk full"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "disk full", entries[0]["error"])
	assert.Equal(t, "STORAGE_ERROR", entries[0]["error_code"])
}

func TestLogger_WithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo).With(map[string]interface{}{"component": "store"})

	l.Info("opened", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "store", entries[0]["component"])
	assert.EqualValues(t, 1, entries[0]["a"])
	assert.EqualValues(t, 2, entries[0]["b"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
