package main

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

// statusColor maps record and breaker states to display colors.
func statusColor(status string) string {
	switch status {
	case "completed", "succeeded", "closed":
		return ansiGreen
	case "failed", "review", "open":
		return ansiRed
	case "processing", "running", "half_open":
		return ansiYellow
	default:
		return ""
	}
}

func colorizeCell(value string, colorize bool) string {
	if !colorize {
		return value
	}
	color := statusColor(value)
	if color == "" {
		return value
	}
	return color + value + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
