package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type chanSender struct{ ch chan string }

func (s *chanSender) SendText(ctx context.Context, chatID int64, text string) error {
	select {
	case s.ch <- text:
	case <-ctx.Done():
	}
	return nil
}

func TestFileSinkTextFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.With(String("comp", "test")).Info("archiver started", Int("channels", 2))
	log.Debug("hidden")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.HasPrefix(out, "[") {
		t.Fatalf("expected timestamp prefix, got %q", out)
	}
	for _, want := range []string{"INFO:", "archiver started", "channels=2", "comp=test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
}

func TestFileSinkAppendsAcrossApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path, Format: "json"}}
	svc, log := New(cfg, nil)

	log.Info("first")
	svc.Apply(cfg)
	log.Info("second")
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(b))
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &m); err != nil {
		t.Fatalf("json line: %v", err)
	}
	if m["message"] != "second" {
		t.Fatalf("unexpected message: %v", m["message"])
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "bridge"))
	log.Warn("event skipped", Int64("chat_id", -100), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["level"] != "warn" || m["comp"] != "bridge" || m["chat_id"] != float64(-100) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error must not be logged: %v", m)
	}
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &chanSender{ch: make(chan string, 4)}
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "app.log")},
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("routine")
	log.Error("storage failed", String("channel", "news"))

	select {
	case msg := <-sender.ch:
		if !strings.HasPrefix(msg, "[ERROR] storage failed") {
			t.Fatalf("unexpected telegram message: %q", msg)
		}
		if !strings.Contains(msg, "channel=news") {
			t.Fatalf("missing field in %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telegram sink did not deliver")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
