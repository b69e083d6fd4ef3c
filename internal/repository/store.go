package repository

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the GORM implementation of the engine's persistence. A Store
// obtained through WithTx is bound to that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new GORM-based store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx runs fn inside a transaction. fn must only use the Store it is
// given.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Migrate creates or updates all engine tables.
func (s *Store) Migrate() error {
	return errors.Wrap(s.db.Migrator().AutoMigrate(domain.Tables...), "auto migrate")
}

func (s *Store) forUpdate(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(domain.ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

func pageBounds(page, perPage int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	return (page - 1) * perPage, perPage
}

func normOrder(order string) string {
	if order == "ASC" || order == "asc" {
		return "ASC"
	}
	return "DESC"
}
