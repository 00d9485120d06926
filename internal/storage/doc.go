// Package storage persists per-channel message archives.
//
// Drivers:
//   - "file":   one JSON document per channel (<dir>/<key>.json), rewritten on append
//   - "sqlite": a single SQLite database, one row per record
//   - "bolt":   a single bbolt database, one bucket per channel
//
// Every driver enforces the same contract: within one key, record ids are
// unique and records keep their append order.
package storage
