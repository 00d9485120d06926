// Package archive maps incoming channel messages onto per-channel archives.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tgarchiver/internal/eventbus"
	"tgarchiver/internal/storage"
	"tgarchiver/pkg/logx"
)

// DateLayout is the record date format ("YYYY-MM-DD HH:MM:SS").
const DateLayout = "2006-01-02 15:04:05"

// Event types published on the bus.
const (
	EventSaved     = "archive.saved"
	EventDuplicate = "archive.duplicate"
	EventFailed    = "archive.failed"
)

var ErrInvalid = errors.New("invalid archive request")

type Result int

const (
	ResultSaved Result = iota + 1
	ResultDuplicate
)

func (r Result) String() string {
	switch r {
	case ResultSaved:
		return "saved"
	case ResultDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// EventData is the payload of archive bus events.
type EventData struct {
	Key       string
	MessageID int64
	Err       error
}

type Archiver struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

// New returns an Archiver writing to store. bus may be nil.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Archiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archiver{store: store, bus: bus, log: log}
}

// Key derives the storage key for a channel identifier: a leading "@" is
// removed and path separators become "_".
func Key(channel string) string {
	k := strings.TrimPrefix(strings.TrimSpace(channel), "@")
	return strings.NewReplacer("/", "_", `\`, "_").Replace(k)
}

// Archive appends {id, date, text} to channel's archive unless id is already
// archived there, in which case it returns ResultDuplicate and leaves the
// archive untouched.
func (a *Archiver) Archive(ctx context.Context, channel string, id int64, date, text string) (Result, error) {
	key := Key(channel)
	if key == "" || key == "." || key == ".." {
		return 0, fmt.Errorf("%w: empty channel %q", ErrInvalid, channel)
	}
	if text == "" {
		return 0, fmt.Errorf("%w: message %d has no text", ErrInvalid, id)
	}

	added, err := a.store.Append(ctx, key, storage.Record{ID: id, Date: date, Message: text})
	if err != nil {
		a.publish(EventFailed, EventData{Key: key, MessageID: id, Err: err})
		return 0, fmt.Errorf("archive message %d from %s: %w", id, channel, err)
	}
	if !added {
		a.publish(EventDuplicate, EventData{Key: key, MessageID: id})
		a.log.Debug("duplicate message skipped", logx.String("channel", channel), logx.Int64("message_id", id))
		return ResultDuplicate, nil
	}
	a.publish(EventSaved, EventData{Key: key, MessageID: id})
	a.log.Info("new message saved", logx.String("channel", channel), logx.Int64("message_id", id))
	return ResultSaved, nil
}

// Records returns the archive of channel in append order.
func (a *Archiver) Records(ctx context.Context, channel string) ([]storage.Record, error) {
	return a.store.Records(ctx, Key(channel))
}

func (a *Archiver) publish(typ string, data EventData) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
