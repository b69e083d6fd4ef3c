package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/talkincode/chippool/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens postgres, or a sqlite file under workdir/data when
// the type is sqlite.
func getDatabase(cfg config.DBConfig, workdir string) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	if cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case "sqlite":
		name := cfg.Name
		if filepath.Ext(name) == "" {
			name += ".db"
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(workdir, "data", name)
		}
		db, err = gorm.Open(sqlite.Open(name+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "", "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
	default:
		return nil, errors.Errorf("unsupported database type %q", cfg.Type)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConn)
	sqlDB.SetMaxIdleConns(cfg.IdleConn)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// OpenDatabase is getDatabase for commands that only need a handle.
func OpenDatabase(cfg *config.AppConfig) (*gorm.DB, error) {
	return getDatabase(cfg.Database, cfg.System.Workdir)
}
