package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tgarchiver/pkg/logx"
)

// fileStore keeps one JSON array per channel and rewrites it wholesale on
// every append. The new content goes to a temp file that is renamed over the
// old one.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	log.Debug("file store ready", logx.String("dir", dir))
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *fileStore) Append(ctx context.Context, key string, rec Record) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	records, err := s.readLocked(key)
	if err != nil {
		return false, err
	}
	if containsID(records, rec.ID) {
		return false, nil
	}
	records = append(records, rec)
	if err := s.writeLocked(key, records); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Records(ctx context.Context, key string) ([]Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readLocked(key)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) readLocked(key string) ([]Record, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", key, err)
	}
	records := []Record{}
	if len(bytes.TrimSpace(b)) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("parse archive %s: %w", key, err)
	}
	return records, nil
}

func (s *fileStore) writeLocked(key string, records []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Keep <, > and & literal like every other character.
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode archive %s: %w", key, err)
	}

	final := s.path(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write archive %s: %w", key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace archive %s: %w", key, err)
	}
	return nil
}
