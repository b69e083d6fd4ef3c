package app

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/alerting"
	"github.com/talkincode/chippool/internal/chiplock"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/events"
	"github.com/talkincode/chippool/internal/health"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/monitor"
	"github.com/talkincode/chippool/internal/notify"
	"github.com/talkincode/chippool/internal/poolcfg"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/trust"
	"github.com/talkincode/chippool/internal/warmup"
	"github.com/talkincode/chippool/internal/whatsapp"
	"github.com/talkincode/chippool/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	store     *repository.Store
	sched     *cron.Cron
	loc       *time.Location

	locks     *chiplock.Locker
	bus       *events.Bus
	forwarder *events.Forwarder
	poolCfg   *poolcfg.Service
	trust     *trust.Engine
	machine   *lifecycle.Machine
	pairing   *whatsapp.Service
	warmup    *warmup.Scheduler
	alerts    *alerting.Engine
	health    *health.Aggregator
	monitor   *monitor.Monitor
	notifier  *notify.Dispatcher
	runner    *JobRunner
	logCloser io.Closer
}

// Ensure Application implements all interfaces
var (
	_ DBProvider     = (*Application)(nil)
	_ ConfigProvider = (*Application)(nil)
	_ EngineProvider = (*Application)(nil)
	_ AppContext     = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, loc: time.Local}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
		a.loc = loc
	}

	logger, logCloser, err := NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	a.logCloser = logCloser
	zap.ReplaceGlobals(logger)

	if err := cfg.InitDirs(); err != nil {
		zap.S().Warn("Failed to create work directories:", err)
	}
	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	db, err := getDatabase(cfg.Database, cfg.System.Workdir)
	if err != nil {
		return err
	}
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.Wire(db); err != nil {
		return err
	}
	a.initJob()
	return nil
}

// Wire builds the engine on db. The schema is migrated and the pool
// configuration and default jobs are seeded.
func (a *Application) Wire(db *gorm.DB) error {
	ctx := context.Background()
	cfg := a.appConfig
	a.gormDB = db
	a.store = repository.NewStore(db)
	if err := a.MigrateDB(false); err != nil {
		return err
	}

	a.locks = chiplock.New()
	a.bus = events.NewBus()
	a.poolCfg = poolcfg.New(a.store)
	if err := a.checkPoolConfig(ctx); err != nil {
		return err
	}
	a.checkSchedulers(ctx)

	a.notifier = notify.FromConfig(cfg.Notify)
	a.monitor = monitor.New(a.store)
	a.trust = trust.NewEngine(a.store, a.locks, a.poolCfg, a.bus)
	gateway := whatsapp.NewClient(cfg.Gateway)
	a.machine = lifecycle.NewMachine(a.store, a.locks, a.poolCfg, a.trust, a.bus, gateway, lifecycle.Options{
		BulkConcurrency:  cfg.Engine.BulkConcurrency,
		CheckConcurrency: cfg.Engine.CheckConcurrency,
		Location:         a.loc,
	})
	a.pairing = whatsapp.NewService(gateway, a.store, a.machine, cfg.Gateway)
	a.warmup = warmup.NewScheduler(a.store, a.locks, a.poolCfg, a.trust, a.machine, a.loc)
	a.alerts = alerting.NewEngine(a.store, a.locks, a.poolCfg, a.trust, a.bus, a.notifier, a.loc)
	a.health = health.NewAggregator(a.store, a.poolCfg, a.monitor)

	if err := a.alerts.Attach(a.bus); err != nil {
		return err
	}
	if err := a.machine.Attach(a.bus); err != nil {
		return err
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		a.forwarder = events.NewForwarder(events.NewKafkaWriter(cfg.Kafka.Brokers), cfg.Kafka.Topic, 0)
		if err := a.forwarder.Attach(a.bus); err != nil {
			return err
		}
		zap.L().Info("kafka event forwarding enabled", zap.String("namespace", "app"), zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	a.runner = NewJobRunner(a.store, a.monitor, cfg.Engine.SchedulerTick, cfg.Engine.JobTimeout)
	a.registerTasks()
	if err := a.monitor.Abandon(ctx); err != nil {
		zap.L().Warn("abandon running jobs", zap.String("namespace", "app"), zap.Error(err))
	}
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			if err2, ok := err1.(error); ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Location() *time.Location { return a.loc }
func (a *Application) Store() *repository.Store { return a.store }
func (a *Application) Bus() *events.Bus { return a.bus }
func (a *Application) PoolConfig() *poolcfg.Service { return a.poolCfg }
func (a *Application) Trust() *trust.Engine { return a.trust }
func (a *Application) Machine() *lifecycle.Machine { return a.machine }
func (a *Application) Pairing() *whatsapp.Service { return a.pairing }
func (a *Application) Warmup() *warmup.Scheduler { return a.warmup }
func (a *Application) Alerts() *alerting.Engine { return a.alerts }
func (a *Application) Health() *health.Aggregator { return a.health }
func (a *Application) Monitor() *monitor.Monitor { return a.monitor }
func (a *Application) Jobs() *JobRunner { return a.runner }

// StartBackgroundJobs starts the job runner loop.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.runner.Start(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.runner != nil {
		a.runner.Wait()
	}
	if a.bus != nil {
		a.bus.Wait()
	}
	if a.forwarder != nil {
		_ = a.forwarder.Close()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
