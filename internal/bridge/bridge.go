// Package bridge feeds incoming channel messages into the archive.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tgarchiver/internal/archive"
	"tgarchiver/internal/transport"
	"tgarchiver/pkg/logx"
)

// ErrSkipped marks updates the bridge deliberately ignores.
var ErrSkipped = errors.New("update skipped")

type Archiver interface {
	Archive(ctx context.Context, channel string, id int64, date, text string) (archive.Result, error)
}

// Channels maps a chat id to the identifier it was registered under.
type Channels interface {
	Lookup(chatID int64) (string, bool)
}

type Bridge struct {
	arch     Archiver
	channels Channels
	log      logx.Logger

	// drainTimeout bounds how long Run keeps archiving buffered updates
	// after ctx is done.
	drainTimeout time.Duration
}

func New(arch Archiver, channels Channels, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{arch: arch, channels: channels, log: log, drainTimeout: 2 * time.Second}
}

// Run handles updates one at a time until ctx is done or updates is closed.
// A failing update is logged and the loop moves on. Once ctx is done, updates
// already buffered are still archived, within drainTimeout.
func (b *Bridge) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			b.drain(ctx, nil, updates)
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				b.drain(ctx, &up, updates)
				return nil
			}
			b.handle(ctx, up)
		}
	}
}

// drain archives first, if set, and then whatever is buffered in updates.
func (b *Bridge) drain(ctx context.Context, first *transport.Update, updates <-chan transport.Update) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.drainTimeout)
	defer cancel()
	n := 0
	if first != nil {
		b.handle(context.WithoutCancel(ctx), *first)
		n++
	}
	for {
		if dctx.Err() != nil {
			b.log.Warn("stop deadline reached with updates still buffered",
				logx.Int("archived", n),
				logx.Int("left", len(updates)),
			)
			return
		}
		select {
		case up, ok := <-updates:
			if !ok {
				return
			}
			b.handle(dctx, up)
			n++
		default:
			if n > 0 {
				b.log.Info("buffered updates archived on stop", logx.Int("count", n))
			}
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, up transport.Update) {
	if _, err := b.Handle(ctx, up); err != nil && !errors.Is(err, ErrSkipped) {
		b.log.Error("message handling failed",
			logx.Int64("chat_id", up.ChatID),
			logx.Int64("message_id", up.MessageID),
			logx.Err(err),
		)
	}
}

// Handle archives a single update. Updates from unregistered chats and
// updates with empty text return ErrSkipped. Whitespace is text. A panic is returned as an error.
func (b *Bridge) Handle(ctx context.Context, up transport.Update) (res archive.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Debug("handler panic stack", logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	channel, ok := b.channels.Lookup(up.ChatID)
	if !ok {
		b.log.Debug("update from unregistered chat", logx.Int64("chat_id", up.ChatID), logx.String("username", up.ChatUsername))
		return 0, fmt.Errorf("%w: chat %d not registered", ErrSkipped, up.ChatID)
	}
	if up.Text == "" {
		return 0, fmt.Errorf("%w: message %d has no text", ErrSkipped, up.MessageID)
	}
	date := up.Date.UTC().Format(archive.DateLayout)
	return b.arch.Archive(ctx, channel, up.MessageID, date, up.Text)
}
