package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tgarchiver/internal/archive"
	"tgarchiver/internal/storage"
	"tgarchiver/internal/transport"
	"tgarchiver/pkg/logx"
)

type call struct {
	channel string
	id      int64
	date    string
	text    string
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []call
	fail  map[int64]error
	panic map[int64]bool
}

func (f *fakeArchiver) Archive(_ context.Context, channel string, id int64, date, text string) (archive.Result, error) {
	if f.panic[id] {
		panic("boom")
	}
	if err := f.fail[id]; err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{channel, id, date, text})
	f.mu.Unlock()
	return archive.ResultSaved, nil
}

func (f *fakeArchiver) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type channelMap map[int64]string

func (m channelMap) Lookup(id int64) (string, bool) {
	s, ok := m[id]
	return s, ok
}

var ts = time.Date(2024, 1, 1, 13, 0, 0, 0, time.FixedZone("MSK", 3*3600))

func TestHandle(t *testing.T) {
	t.Parallel()
	arch := &fakeArchiver{}
	b := New(arch, channelMap{-1001: "@news"}, logx.Nop())
	ctx := context.Background()

	tests := []struct {
		name     string
		up       transport.Update
		skipped  bool
		archived bool
	}{
		{"registered text", transport.Update{ChatID: -1001, MessageID: 1, Date: ts, Text: "hello"}, false, true},
		{"unregistered chat", transport.Update{ChatID: -2002, MessageID: 2, Date: ts, Text: "hello"}, true, false},
		{"empty text", transport.Update{ChatID: -1001, MessageID: 3, Date: ts}, true, false},
		{"whitespace text", transport.Update{ChatID: -1001, MessageID: 4, Date: ts, Text: " \n\t"}, false, true},
	}
	for _, tt := range tests {
		before := len(arch.snapshot())
		_, err := b.Handle(ctx, tt.up)
		if got := errors.Is(err, ErrSkipped); got != tt.skipped {
			t.Fatalf("%s: err = %v, skipped want %v", tt.name, err, tt.skipped)
		}
		if got := len(arch.snapshot()) > before; got != tt.archived {
			t.Fatalf("%s: archived = %v, want %v", tt.name, got, tt.archived)
		}
	}

	got := arch.snapshot()[0]
	want := call{"@news", 1, "2024-01-01 10:00:00", "hello"}
	if got != want {
		t.Fatalf("archive call = %+v, want %+v", got, want)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	t.Parallel()
	b := New(&fakeArchiver{panic: map[int64]bool{7: true}}, channelMap{-1001: "@news"}, logx.Nop())
	_, err := b.Handle(context.Background(), transport.Update{ChatID: -1001, MessageID: 7, Text: "x"})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestRunContinuesAfterFailures(t *testing.T) {
	t.Parallel()
	arch := &fakeArchiver{
		fail:  map[int64]error{2: errors.New("disk full")},
		panic: map[int64]bool{3: true},
	}
	b := New(arch, channelMap{-1001: "@news"}, logx.Nop())

	updates := make(chan transport.Update, 4)
	for id := int64(1); id <= 4; id++ {
		updates <- transport.Update{ChatID: -1001, MessageID: id, Date: ts, Text: "m"}
	}
	close(updates)

	if err := b.Run(context.Background(), updates); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := arch.snapshot()
	if len(calls) != 2 || calls[0].id != 1 || calls[1].id != 4 {
		t.Fatalf("archived %+v, want ids 1 and 4", calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	b := New(&fakeArchiver{}, channelMap{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, make(chan transport.Update)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// End to end through the real archiver and file store: text-less updates are
// never persisted and a duplicate keeps the first message.
func TestBridgeWithFileArchive(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	arch := archive.New(st, nil, logx.Nop())
	b := New(arch, channelMap{-1001: "@news"}, logx.Nop())
	ctx := context.Background()

	ups := []transport.Update{
		{ChatID: -1001, MessageID: 101, Date: ts, Text: "hello"},
		{ChatID: -1001, MessageID: 101, Date: ts, Text: "hello-dup"},
		{ChatID: -1001, MessageID: 102, Date: ts},
	}
	for _, up := range ups {
		_, _ = b.Handle(ctx, up)
	}
	recs, err := arch.Records(ctx, "@news")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != 101 || recs[0].Message != "hello" || recs[0].Date != "2024-01-01 10:00:00" {
		t.Fatalf("unexpected archive: %+v", recs)
	}
}

func TestRunArchivesBufferedUpdatesAfterCancel(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	arch := archive.New(st, nil, logx.Nop())
	b := New(arch, channelMap{-1001: "@news"}, logx.Nop())

	updates := make(chan transport.Update, 8)
	for id := int64(1); id <= 5; id++ {
		updates <- transport.Update{ChatID: -1001, MessageID: id, Date: ts, Text: "m"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, updates) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	recs, err := arch.Records(context.Background(), "@news")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Fatalf("archived %d buffered updates, want 5", len(recs))
	}
	for i, r := range recs {
		if r.ID != int64(i+1) {
			t.Fatalf("record %d has id %d", i, r.ID)
		}
	}
}

func TestDrainStopsAtDeadline(t *testing.T) {
	t.Parallel()
	b := New(&fakeArchiver{}, channelMap{-1001: "@news"}, logx.Nop())
	b.drainTimeout = 0

	updates := make(chan transport.Update, 2)
	updates <- transport.Update{ChatID: -1001, MessageID: 1, Text: "m"}
	updates <- transport.Update{ChatID: -1001, MessageID: 2, Text: "m"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx, updates); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Run may have taken one update before seeing the cancel; nothing more.
	if len(updates) < 1 {
		t.Fatal("drain kept going after its deadline")
	}
}
