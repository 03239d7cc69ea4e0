package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetLogging() {
	std = newRegistry()
}

func TestModuleLevels(t *testing.T) {
	resetLogging()
	t.Cleanup(resetLogging)

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"pipeline": "debug",
			"api":      "warn",
			"mixer":    "bogus",
		},
	})

	tests := []struct {
		module string
		lowest slog.Level
	}{
		{"pipeline", slog.LevelDebug},
		{"api", slog.LevelWarn},
		{"mixer", slog.LevelInfo},
		{"capture", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			h := GetLogger(tt.module).Handler()
			for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
				if got, want := h.Enabled(ctx, level), level >= tt.lowest; got != want {
					t.Errorf("Enabled(%v) = %v, want %v", level, got, want)
				}
			}
		})
	}
}

func TestLoggerCreatedBeforeInitialize(t *testing.T) {
	resetLogging()
	t.Cleanup(resetLogging)

	early := GetLogger("preview")
	if early.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug enabled before Initialize")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"preview": "debug"}})

	if GetLogger("preview") == early {
		t.Error("Initialize kept the early logger, which lacks the buffer handler")
	}
	if !early.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("early logger did not pick up the module level")
	}
}

func TestInitializeFeedsBuffer(t *testing.T) {
	resetLogging()
	t.Cleanup(resetLogging)

	Initialize(Config{Level: "info"})
	var seen []LogEntry
	SetLogCallback(func(e LogEntry) { seen = append(seen, e) })

	GetLogger("writer").Info("segment closed", "file", "a.mp4")
	GetLogger("writer").Debug("filtered")

	entries := GetBuffer().ReadAll()
	if len(entries) != 1 {
		t.Fatalf("buffer holds %d entries, want 1", len(entries))
	}
	if e := entries[0]; e.Module != "writer" || e.Message != "segment closed" || e.Attributes["file"] != "a.mp4" {
		t.Errorf("entry = %+v", e)
	}
	if len(seen) != 1 || seen[0].Seq != entries[0].Seq {
		t.Errorf("callback saw %+v", seen)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestMultiHandler(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	debugH := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoH := slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})

	if NewMultiHandler(debugH) != slog.Handler(debugH) {
		t.Error("single handler was wrapped")
	}

	logger := slog.New(NewMultiHandler(debugH, infoH)).With("module", "mic").WithGroup("gate")
	logger.Debug("muted", "frames", 3)
	logger.Info("opened")

	if got := debugBuf.String(); !strings.Contains(got, "muted") || !strings.Contains(got, "module=mic") || !strings.Contains(got, "gate.frames=3") {
		t.Errorf("debug output = %q", got)
	}
	if got := infoBuf.String(); strings.Contains(got, "muted") || !strings.Contains(got, "opened") {
		t.Errorf("info output = %q", got)
	}

	var okBuf bytes.Buffer
	ok := slog.NewTextHandler(&okBuf, nil)
	multi := NewMultiHandler(failingHandler{ok}, ok)
	err := multi.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still written", 0))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Handle() error = %v, want the failing handler's error", err)
	}
	if !strings.Contains(okBuf.String(), "still written") {
		t.Error("a failing handler kept the record from the others")
	}
}

func TestJournalFieldName(t *testing.T) {
	tests := map[string]string{
		"session_id":   "SESSION_ID",
		"exit-code":    "EXIT_CODE",
		"_private":     "PRIVATE",
		"bitrate.kbps": "BITRATE_KBPS",
		"___":          "FIELD",
	}
	for in, want := range tests {
		if got := fieldName(in); got != want {
			t.Errorf("fieldName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJournalFields(t *testing.T) {
	fields := map[string]string{}
	putField(fields, "", slog.Group("stream", slog.String("endpoint", "rtmp://a/****"), slog.Bool("connected", true)))
	putField(fields, "MIC_", slog.Float64("gain", 0.35))
	putField(fields, "", slog.Attr{})

	want := map[string]string{
		"STREAM_ENDPOINT":  "rtmp://a/****",
		"STREAM_CONNECTED": "true",
		"MIC_GAIN":         "0.35",
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v", fields)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"invalid", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got := parseLevel(tt.input)
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Errorf("parseLevel(%q) = %v, want %v (ok=%v)", tt.input, got, tt.want, tt.ok)
		}
	}
}
