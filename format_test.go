package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.Local)

	t.Run("same year", func(t *testing.T) {
		got := formatTime(time.Date(2026, time.March, 15, 10, 30, 0, 0, time.Local), now)
		assert.Equal(t, "Mar 15 10:30", got)
	})

	t.Run("different year", func(t *testing.T) {
		got := formatTime(time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local), now)
		assert.Equal(t, "Dec 25  2020", got)
	})

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "-", formatTime(time.Time{}, now))
	})
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]string{"path": "/电影/a&b.mkv"}))
	assert.Equal(t, "{\n  \"path\": \"/电影/a&b.mkv\"\n}\n", buf.String())
}
