// Package storage persists the background page's settings and speech history.
//
// Drivers:
//   - "file": JSON Lines history plus a settings snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
