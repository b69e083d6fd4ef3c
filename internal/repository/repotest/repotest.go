// Package repotest opens throwaway SQLite stores for package tests.
package repotest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewStore returns a migrated store backed by a temp file. The pool
// configuration row is seeded with defaults.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chippool.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := repository.NewStore(db)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.SeedPoolConfig(context.Background(), domain.DefaultPoolConfig()))
	return store
}

// Chip returns a chip fixture with the given id and status.
func Chip(id string, status domain.ChipStatus) *domain.Chip {
	return &domain.Chip{
		ID:           id,
		Phone:        "55119" + id,
		InstanceName: "inst-" + id,
		DDD:          11,
		Region:       "SP",
		Status:       status,
		WarmupPhase:  domain.PhaseRepouso,
		TrustScore:   50,
	}
}
