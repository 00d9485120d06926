package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgarchiver/internal/config"
	"tgarchiver/internal/transport"
)

type fakeAdapter struct {
	chats map[string]int64

	mu      sync.Mutex
	out     chan<- transport.Update
	stopped bool
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) ResolveChat(_ context.Context, ident string) (transport.Chat, error) {
	id, ok := f.chats[ident]
	if !ok {
		return transport.Chat{}, transport.ErrChatNotFound
	}
	return transport.Chat{ID: id, Username: strings.TrimPrefix(ident, "@")}, nil
}

func (f *fakeAdapter) SendText(context.Context, int64, string) error { return nil }

func (f *fakeAdapter) deliver(t *testing.T, up transport.Update) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatal("adapter not started")
	}
	out <- up
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	reg := filepath.Join(dir, "channels.json")
	if err := os.WriteFile(reg, []byte(`["@news", "@missing"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Registry.Path = reg
	cfg.Storage.Path = filepath.Join(dir, "saved_messages")
	cfg.Logging.Console = false
	cfg.Logging.File.Path = filepath.Join(dir, "app.log")
	cfg.Stats.Schedule = "@every 1h"
	return cfg
}

func TestAppArchivesRegisteredChannel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ad := &fakeAdapter{chats: map[string]int64{"@news": -1001}}

	a, err := newApp(config.NewConfigManager(filepath.Join(dir, "config.yaml")), cfg, ad)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	date := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ad.deliver(t, transport.Update{ChatID: -1001, MessageID: 101, Date: date, Text: "привет"})
	ad.deliver(t, transport.Update{ChatID: -1001, MessageID: 101, Date: date, Text: "hello-dup"})
	ad.deliver(t, transport.Update{ChatID: -1001, MessageID: 102, Date: date})
	ad.deliver(t, transport.Update{ChatID: -2002, MessageID: 103, Date: date, Text: "stranger"})
	ad.deliver(t, transport.Update{ChatID: -1001, MessageID: 104, Date: date, Text: "second"})

	// 104 is last; once it lands every earlier update was handled.
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := a.arch.Records(ctx, "@news")
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		if len(recs) == 2 {
			if recs[0].ID != 101 || recs[0].Message != "привет" || recs[0].Date != "2024-01-01 10:00:00" || recs[1].ID != 104 {
				t.Fatalf("unexpected archive: %+v", recs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive has %d records, want 2", len(recs))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := a.Stop(context.Background(), StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ad.stopped {
		t.Fatal("adapter was not stopped")
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.Path, "stranger.json")); !os.IsNotExist(err) {
		t.Fatal("unregistered chat was archived")
	}

	logs, err := os.ReadFile(cfg.Logging.File.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"new message saved", "channel resolve failed", "archive stats total"} {
		if !strings.Contains(string(logs), want) {
			t.Fatalf("log missing %q:\n%s", want, logs)
		}
	}
}

func TestAppStartsWithEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Registry.Path = filepath.Join(dir, "none.json")
	cfg.Stats.Schedule = ""

	a, err := newApp(config.NewConfigManager(filepath.Join(dir, "config.yaml")), cfg, &fakeAdapter{})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.reg.Len() != 0 {
		t.Fatalf("registry has %d channels, want 0", a.reg.Len())
	}
	if err := a.Stop(context.Background(), StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

func TestNewAppRejectsBadStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.BusyTimeout = "later"
	if _, err := newApp(config.NewConfigManager(filepath.Join(dir, "c.yaml")), cfg, &fakeAdapter{}); err == nil {
		t.Fatal("expected storage config error")
	}
}
