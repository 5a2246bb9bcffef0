// Package storage provides the persistent backends.
//
// It currently supports:
//   - "sqlite": tracker state plus users, groups and filters
//   - "file": tracker state only (JSON snapshot + journal)
package storage
