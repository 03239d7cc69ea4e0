package logging

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	if got := rb.ReadAll(); got != nil {
		t.Fatalf("empty buffer returned %v", got)
	}

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Write(LogEntry{Message: msg})
	}

	all := rb.ReadAll()
	if len(all) != 3 || rb.Count() != 3 {
		t.Fatalf("ReadAll() returned %d entries, Count() = %d, want 3", len(all), rb.Count())
	}
	for i, want := range []struct {
		msg string
		seq uint64
	}{{"c", 3}, {"d", 4}, {"e", 5}} {
		if all[i].Message != want.msg || all[i].Seq != want.seq {
			t.Errorf("entry %d = %s/%d, want %s/%d", i, all[i].Message, all[i].Seq, want.msg, want.seq)
		}
	}

	since := rb.Since(4)
	if len(since) != 1 || since[0].Message != "e" {
		t.Errorf("Since(4) = %+v, want only e", since)
	}
	if got := rb.Since(5); len(got) != 0 {
		t.Errorf("Since(5) = %+v, want nothing", got)
	}
}

func TestBufferHandler(t *testing.T) {
	resetLogging()
	t.Cleanup(resetLogging)
	std.buffer = NewRingBuffer(10)
	var published []LogEntry
	SetLogCallback(func(e LogEntry) { published = append(published, e) })

	logger := slog.New(NewBufferHandler(slog.LevelInfo)).With("module", "writer")
	logger.Debug("dropped")
	logger.WithGroup("fragment").Warn("Fragment flushed",
		"bytes", 4096,
		"elapsed", 250*time.Millisecond,
		"error", errors.New("disk slow"))

	entries := GetBuffer().ReadAll()
	if len(entries) != 1 {
		t.Fatalf("buffered %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Module != "writer" || e.Level != "warn" || e.Message != "Fragment flushed" {
		t.Errorf("entry = %+v", e)
	}
	want := map[string]any{
		"fragment.bytes":   int64(4096),
		"fragment.elapsed": "250ms",
		"fragment.error":   "disk slow",
	}
	for k, v := range want {
		if e.Attributes[k] != v {
			t.Errorf("attribute %s = %#v, want %#v", k, e.Attributes[k], v)
		}
	}
	if len(published) != 1 || published[0].Seq != e.Seq {
		t.Errorf("callback got %+v", published)
	}
}

func TestBufferHandlerWithoutBuffer(t *testing.T) {
	resetLogging()
	t.Cleanup(resetLogging)

	h := NewBufferHandler(slog.LevelDebug)
	if err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)); err != nil {
		t.Errorf("Handle() error = %v", err)
	}
}

func TestSetModuleLevel(t *testing.T) {
	logger := GetLogger("mic")
	if err := SetModuleLevel("mic", "error"); err != nil {
		t.Fatalf("SetModuleLevel() error = %v", err)
	}
	if logger.Handler().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn still enabled after raising the level to error")
	}
	if err := SetModuleLevel("mic", "debug"); err != nil {
		t.Fatalf("SetModuleLevel() error = %v", err)
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug not enabled after lowering the level")
	}
	if err := SetModuleLevel("mic", "loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
