// Package logx configures tgarchiver's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - An append-only log file, human-readable lines by default or JSON
//   - An optional Telegram operator sink (min-level + rate limiting)
package logx
