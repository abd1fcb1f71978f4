package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBufferHandler_StoresLines(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)) // nil wrapped handler is valid

	logger.Info("test message", "key", "value")

	lines := buf.Lines(10)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "key=value") {
		t.Errorf("expected key=value in line, got %q", lines[0])
	}
}

func TestBufferHandler_KeepsWithAttrs(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)).With("channel", "tasks:u1")

	logger.Warn("channel errored")

	lines := buf.Lines(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "channel=tasks:u1") {
		t.Errorf("expected channel attribute to survive With, got %v", lines)
	}
}

func TestBufferHandler_ForwardsToWrapped(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	h := NewBufferHandler(slog.NewTextHandler(&output, nil), buf)

	slog.New(h).Info("forwarded message")

	if got := len(buf.Lines(10)); got != 1 {
		t.Fatalf("expected 1 line in buffer, got %d", got)
	}
	if output.Len() == 0 {
		t.Error("expected wrapped handler to receive log")
	}
}

func TestBufferHandler_CapturesBelowWrappedLevel(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	wrapped := slog.NewTextHandler(&output, &slog.HandlerOptions{Level: slog.LevelWarn})

	slog.New(NewBufferHandler(wrapped, buf)).Debug("quiet")

	if got := len(buf.Lines(10)); got != 1 {
		t.Errorf("expected debug line in buffer, got %d", got)
	}
	if output.Len() != 0 {
		t.Errorf("wrapped handler should filter debug, got %q", output.String())
	}
}

func TestRingBuffer_Capacity(t *testing.T) {
	buf := NewRingBuffer(3)

	buf.Add("line1")
	buf.Add("line2")
	buf.Add("line3")
	buf.Add("line4") // evicts line1

	lines := buf.Lines(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line2" {
		t.Errorf("expected oldest line to be 'line2', got %q", lines[0])
	}
	if lines[2] != "line4" {
		t.Errorf("expected newest line to be 'line4', got %q", lines[2])
	}
}

func TestRingBuffer_LinesLimit(t *testing.T) {
	buf := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		buf.Add("line")
	}

	if lines := buf.Lines(3); len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
}

func TestRingBuffer_Empty(t *testing.T) {
	buf := NewRingBuffer(10)

	if lines := buf.Lines(10); len(lines) != 0 {
		t.Fatalf("expected 0 lines from empty buffer, got %d", len(lines))
	}
	if buf.Total() != 0 {
		t.Errorf("expected total 0, got %d", buf.Total())
	}
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	if c := NewRingBuffer(0).Capacity(); c != 500 {
		t.Errorf("expected default capacity 500, got %d", c)
	}
	if c := NewRingBuffer(-1).Capacity(); c != 500 {
		t.Errorf("expected default capacity 500, got %d", c)
	}
}
