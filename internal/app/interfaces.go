package app

import (
	"context"
	"time"

	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/alerting"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/health"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/monitor"
	"github.com/talkincode/chippool/internal/poolcfg"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/trust"
	"github.com/talkincode/chippool/internal/warmup"
	"github.com/talkincode/chippool/internal/whatsapp"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
	Store() *repository.Store
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
	PoolConfig() *poolcfg.Service
	Location() *time.Location
}

// EngineProvider exposes the engine components
type EngineProvider interface {
	Bus() *events.Bus
	Trust() *trust.Engine
	Machine() *lifecycle.Machine
	Pairing() *whatsapp.Service
	Warmup() *warmup.Scheduler
	Alerts() *alerting.Engine
	Health() *health.Aggregator
	Monitor() *monitor.Monitor
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	EngineProvider

	MigrateDB(track bool) error
	// RunJobNow executes a job schedule immediately by ID
	RunJobNow(ctx context.Context, id int64) error
	// RunTask executes the job of a task type immediately
	RunTask(ctx context.Context, taskType string) error
}
