package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.Local)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "-", formatTime(time.Time{}))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "Jita 4-...", truncate("Jita 4-4 Moon 4", 10))
	assert.Equal(t, "ÅÅÅÅÅÅÅ...", truncate(strings.Repeat("Å", 12), 10), "cuts on runes, not bytes")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"PRINCIPAL", "RESOURCE", "NEW"}
	rows := [][]string{
		{"esi:2112625428", "wallet_journal", "12"},
		{"coop:alice", "missions", "0"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "PRINCIPAL       RESOURCE        NEW", lines[0])
	assert.Equal(t, "esi:2112625428  wallet_journal  12", lines[1])
	assert.Equal(t, "coop:alice      missions        0", lines[2])
}
