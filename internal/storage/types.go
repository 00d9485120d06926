package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("invalid archive key")
)

// Record is a single archived message.
type Record struct {
	ID      int64  `json:"id"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// Store is the archive persistence API.
type Store interface {
	// Append adds rec to the archive for key unless a record with the same
	// ID is already present. It reports whether the record was added.
	Append(ctx context.Context, key string, rec Record) (added bool, err error)
	// Records returns the archive for key in append order. A missing archive
	// yields an empty slice.
	Records(ctx context.Context, key string) ([]Record, error)
	Close() error
}

// Config configures storage.
//
// Driver values: "file" (default), "sqlite", "bolt".
// For "file" Path is a directory; for the others it is the database file.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return ErrInvalidKey
	}
	return nil
}

func containsID(records []Record, id int64) bool {
	for _, r := range records {
		if r.ID == id {
			return true
		}
	}
	return false
}
