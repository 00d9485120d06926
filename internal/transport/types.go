package transport

import (
	"context"
	"errors"
	"time"
)

// ErrChatNotFound is returned by ResolveChat when the identifier names no
// reachable chat.
var ErrChatNotFound = errors.New("chat not found")

type UpdateKind string

const (
	UpdateChannelPost UpdateKind = "channel_post"
	UpdateMessage     UpdateKind = "message"
)

// Update is one incoming message event. Text is empty for events without
// text content (stickers, media without caption, service messages).
type Update struct {
	Kind         UpdateKind
	ChatID       int64
	ChatUsername string
	MessageID    int64
	Date         time.Time
	Text         string
}

// Chat is a resolved chat entity.
type Chat struct {
	ID       int64
	Username string
	Title    string
}

// Adapter is the messaging client seen by the rest of the program.
//
// Start delivers updates into out until ctx is canceled or Stop is called.
// Delivery is non-blocking: if out is full the update is dropped and counted.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	ResolveChat(ctx context.Context, ident string) (Chat, error)
	SendText(ctx context.Context, chatID int64, text string) error
}
