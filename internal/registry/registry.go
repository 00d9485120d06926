// Package registry loads the configured channel list and maps resolved chat
// ids back to the identifiers they were configured with.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tgarchiver/internal/config"
	"tgarchiver/internal/transport"
	"tgarchiver/pkg/logx"
)

// ErrInvalidEntry is returned by Load alongside the usable entries when some
// entries are neither strings nor integer chat ids.
var ErrInvalidEntry = errors.New("invalid channel entry")

// Load reads the channel list at path: a JSON array, or a YAML sequence for
// .yaml/.yml files. Entries are usernames or numeric chat ids, as strings or
// bare integers. They are trimmed, blanks dropped and duplicates removed in
// first-seen order.
//
// Load never fails hard: if the file cannot be read it returns an empty,
// non-nil slice and the error for the caller to log. Invalid entries are
// skipped and reported with ErrInvalidEntry.
func Load(path string) ([]string, error) {
	var raw []json.RawMessage
	if err := config.DecodeFile(path, &raw); err != nil {
		return []string{}, fmt.Errorf("load channels %s: %w", path, err)
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var bad []string
	for i, item := range raw {
		s, err := entry(item)
		if err != nil {
			bad = append(bad, fmt.Sprintf("#%d %s", i, item))
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(bad) > 0 {
		return out, fmt.Errorf("load channels %s: %w: %s", path, ErrInvalidEntry, strings.Join(bad, ", "))
	}
	return out, nil
}

func entry(item json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", err
	}
	id, err := n.Int64()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(id), nil
}

// Resolver turns a configured identifier into a chat.
type Resolver interface {
	ResolveChat(ctx context.Context, ident string) (transport.Chat, error)
}

type Registry struct {
	path     string
	resolver Resolver
	log      logx.Logger

	mu     sync.RWMutex
	idents []string
	chats  map[int64]string
}

func New(path string, resolver Resolver, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		path:     path,
		resolver: resolver,
		log:      log,
		chats:    map[int64]string{},
	}
}

// Load reads the channel file and resolves every entry. A read failure or
// an empty list is logged as a warning and leaves the registry empty.
// It returns the number of resolved channels.
func (r *Registry) Load(ctx context.Context) int {
	idents, err := Load(r.path)
	if err != nil {
		r.log.Warn("channel list unavailable", logx.Err(err))
	} else if len(idents) == 0 {
		r.log.Warn("channel list is empty", logx.String("path", r.path))
	}
	chats := r.Resolve(ctx, idents)
	r.swap(idents, chats)
	return len(chats)
}

// Reload is Load for a changed file: unlike Load it keeps the current set
// when the file cannot be read. Invalid entries only log a warning.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	idents, err := Load(r.path)
	switch {
	case errors.Is(err, ErrInvalidEntry):
		r.log.Warn("channel list has invalid entries", logx.Err(err))
	case err != nil:
		r.log.Warn("channel list reload failed; keeping previous set", logx.Err(err))
		return r.Len(), err
	}
	chats := r.Resolve(ctx, idents)
	r.swap(idents, chats)
	r.log.Info("channel list reloaded",
		logx.Int("configured", len(idents)),
		logx.Int("resolved", len(chats)),
	)
	return len(chats), nil
}

// Resolve looks up each identifier through the resolver. Channels that fail
// to resolve are logged and left out; the rest are returned.
func (r *Registry) Resolve(ctx context.Context, idents []string) map[int64]string {
	chats := make(map[int64]string, len(idents))
	for _, ident := range idents {
		if ctx.Err() != nil {
			break
		}
		chat, err := r.resolver.ResolveChat(ctx, ident)
		if err != nil {
			r.log.Error("channel resolve failed", logx.String("channel", ident), logx.Err(err))
			continue
		}
		if prev, dup := chats[chat.ID]; dup {
			r.log.Warn("channel configured twice", logx.String("channel", ident), logx.String("first", prev))
			continue
		}
		chats[chat.ID] = ident
		r.log.Debug("channel resolved", logx.String("channel", ident), logx.Int64("chat_id", chat.ID), logx.String("title", chat.Title))
	}
	return chats
}

func (r *Registry) swap(idents []string, chats map[int64]string) {
	r.mu.Lock()
	r.idents = idents
	r.chats = chats
	r.mu.Unlock()
}

// Lookup returns the configured identifier of a resolved chat.
func (r *Registry) Lookup(chatID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.chats[chatID]
	return ident, ok
}

// Channels returns the identifiers from the last successful load.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.idents...)
}

// Len is the number of resolved channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

// Watch reloads the registry whenever its file changes, until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, r.path, r.log, func() {
		_, _ = r.Reload(ctx)
	})
}
