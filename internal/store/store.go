package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore wraps the gorm handle and owns the locking discipline. Equipment
// rows are the only serialization point: session and reservation rows are
// only ever mutated while the caller holds the related equipment row lock.
type GormStore struct {
	db *gorm.DB
	// rowLocks is true when the dialect understands FOR UPDATE / SKIP LOCKED.
	// sqlite does not, but it serializes writing transactions on its own, so
	// skipping the clauses there preserves the same guarantees.
	rowLocks bool
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:       db,
		rowLocks: db.Dialector.Name() == "postgres",
	}
}

// DB exposes the underlying gorm handle for read-only query paths.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Lock adds a row-level exclusive lock to the query when supported.
func (s *GormStore) Lock(tx *gorm.DB) *gorm.DB {
	if !s.rowLocks {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockSkip adds a non-blocking row lock: already-locked rows are skipped
// instead of waited on. Sweepers use this so they never stall behind an
// in-flight user action; a skipped row is picked up on the next pass.
func (s *GormStore) LockSkip(tx *gorm.DB) *gorm.DB {
	if !s.rowLocks {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
