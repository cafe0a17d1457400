// Package storage persists the roster (students, templates, schedules,
// training days, weekly reminder) and the dispatch log.
//
// Two drivers implement Store:
//   - memory: maps behind a RWMutex
//   - sqlite: modernc.org/sqlite with embedded migrations
package storage
