// Package storage persists tracked entries and the notification event log.
//
// Drivers:
//   - sqlite: embedded database file (default)
//   - postgres: shared database through a pgx pool
//   - file: dependency-free JSON snapshot + journal
//
// Every driver implements the same Store contract; storage_test.go runs the
// contract against the sqlite and file drivers.
package storage
