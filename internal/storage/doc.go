// Package storage persists job properties and run history.
//
// Three drivers are available:
//   - "memory": process-local maps, lost on exit
//   - "file":   JSON Lines journals with periodic snapshot compaction
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//
// Properties are grouped by namespace; the scheduler uses the job name.
package storage
