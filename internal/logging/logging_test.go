package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInitWriterText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	InitWriter(&buf, "info", "text")
	slog.Info("hello", "k", "v")
	slog.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("debug record should be filtered at info level")
	}
}

func TestInitWriterJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	InitWriter(&buf, "debug", "JSON")
	slog.Debug("detail")

	if !strings.Contains(buf.String(), `"msg":"detail"`) {
		t.Fatalf("expected JSON debug record, got %q", buf.String())
	}
}

func TestInitWriterBadLevelFallsBackToInfo(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWriter(&buf, "loud", "text")
	if level.Level() != slog.LevelInfo {
		t.Fatalf("level: got %v, want info", level.Level())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"  Error  ", slog.LevelError, false},
		{"unknown", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q): err = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): got %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDynamicHandlerEnabled(t *testing.T) {
	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	prev := slog.Default()
	defer slog.SetDefault(prev)
	InitWriter(&bytes.Buffer{}, "warn", "text")

	h := &dynamicHandler{component: "test"}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should not be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestForAddsComponent(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	For("store").Info("component log")

	r, ok := c.Find(slog.LevelInfo, "component log")
	if !ok {
		t.Fatal("For() logger should use the captured handler")
	}
	if got, _ := Attr(r, "component"); got != "store" {
		t.Errorf("component attr: got %q, want store", got)
	}
}

func TestForKeepsWithAttrs(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	For("shelf").With("db", "app").Warn("blocked")

	r, ok := c.Find(slog.LevelWarn, "blocked")
	if !ok {
		t.Fatal("expected warn record")
	}
	if got, _ := Attr(r, "db"); got != "app" {
		t.Errorf("db attr: got %q, want app", got)
	}
	if got, _ := Attr(r, "component"); got != "shelf" {
		t.Errorf("component attr: got %q, want shelf", got)
	}
}

func TestDynamicHandlerWithAttrsEmpty(t *testing.T) {
	h := &dynamicHandler{component: "test"}
	if h.WithAttrs(nil) != h {
		t.Error("WithAttrs(nil) should return the same handler")
	}
	if h.WithGroup("grp") != h {
		t.Error("WithGroup should return the same handler")
	}
}

func TestCaptureForTest(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	slog.Info("hello")
	slog.Warn("warning message")
	slog.Debug("debug detail")

	if n := len(c.Records()); n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
	if !c.Has(slog.LevelWarn, "warning") {
		t.Error("should have warn 'warning'")
	}
	if c.Has(slog.LevelError, "hello") {
		t.Error("should not match error level")
	}
	if c.Count(slog.LevelDebug) != 1 {
		t.Errorf("expected 1 debug, got %d", c.Count(slog.LevelDebug))
	}
	if c.Count(slog.LevelError) != 0 {
		t.Errorf("expected 0 error, got %d", c.Count(slog.LevelError))
	}
}

func TestCaptureRestore(t *testing.T) {
	prev := slog.Default()
	c := CaptureForTest()
	c.Restore()

	if slog.Default() != prev {
		t.Error("default logger not restored")
	}
}

func TestAttrMissing(t *testing.T) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "m", 0)
	r.AddAttrs(slog.String("k", "v"))
	if _, ok := Attr(r, "other"); ok {
		t.Error("Attr should report a missing key")
	}
	if got, ok := Attr(r, "k"); !ok || got != "v" {
		t.Errorf("Attr(k): got %q, %v", got, ok)
	}
}
