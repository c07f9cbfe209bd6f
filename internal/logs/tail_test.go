package logs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.log")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree\nfour\n")

	result, err := Tail(context.Background(), path, TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "three" || result.Lines[1] != "four" {
		t.Fatalf("lines = %v, want last two", result.Lines)
	}
	if result.Offset == 0 {
		t.Error("offset should point at end of file")
	}
}

func TestTailFromOffsetPicksUpNewLines(t *testing.T) {
	path := writeLog(t, "first\n")

	initial, err := Tail(context.Background(), path, TailOptions{Offset: -1, Limit: 10})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := file.WriteString("second\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	file.Close()

	next, err := Tail(context.Background(), path, TailOptions{Offset: initial.Offset})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(next.Lines) != 1 || next.Lines[0] != "second" {
		t.Fatalf("lines = %v, want appended line", next.Lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := Tail(context.Background(), filepath.Join(t.TempDir(), "absent.log"), TailOptions{Offset: -1, Limit: 5})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}

func TestTailFollowWaitsForLines(t *testing.T) {
	path := writeLog(t, "")

	go func() {
		time.Sleep(100 * time.Millisecond)
		file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer file.Close()
		_, _ = file.WriteString("late\n")
	}()

	result, err := Tail(context.Background(), path, TailOptions{Offset: 0, Follow: true, Wait: 2 * time.Second})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "late" {
		t.Fatalf("lines = %v, want the late line", result.Lines)
	}
}
