package container

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/dispatcher"
	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/application/service"
	"github.com/garyjia/requisition-portal/internal/application/workflow"
	"github.com/garyjia/requisition-portal/internal/domain/event"
	"github.com/garyjia/requisition-portal/internal/domain/routing"
	"github.com/garyjia/requisition-portal/internal/infrastructure/lock"
	"github.com/garyjia/requisition-portal/internal/infrastructure/notification"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/repository"
	"github.com/garyjia/requisition-portal/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/requisition-portal/internal/infrastructure/report"
	"github.com/garyjia/requisition-portal/internal/infrastructure/storage"
	"github.com/garyjia/requisition-portal/internal/infrastructure/worker"
	"github.com/garyjia/requisition-portal/pkg/database"
)

const memoryPath = ":memory:"

// DatabaseBundle holds database-related components
type DatabaseBundle struct {
	Raw            *database.DB
	TransactionMgr *sqlite.DB
}

// LockBundle holds the per-requisition locker and, for redis, a closer
type LockBundle struct {
	Locker port.Locker
	Ping   func(ctx context.Context) error
	Close  func() error
}

// ProvideDatabase opens the database and applies pending migrations
func ProvideDatabase(cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	var (
		db  *database.DB
		err error
	)
	if cfg.Path == memoryPath {
		db, err = database.NewMemory(logger)
	} else {
		db, err = database.New(database.Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
	}
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db, logger).RunMigrations(database.Migrations()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		Raw:            db,
		TransactionMgr: sqlite.NewDB(db.DB, logger),
	}, nil
}

// ProvideRepositories creates all repositories over one database
func ProvideRepositories(db *DatabaseBundle, logger *zap.Logger) (*RepositoryBundle, error) {
	if db == nil || db.Raw == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	sqlDB := db.Raw.DB
	return &RepositoryBundle{
		Requisition: repository.NewRequisitionRepository(sqlDB, logger),
		Ledger:      repository.NewLedgerRepository(sqlDB, logger),
		Attachment:  repository.NewAttachmentRepository(sqlDB, logger),
		Sequence:    repository.NewSequenceRepository(sqlDB, logger),
	}, nil
}

// ProvideLocker creates the configured per-requisition locker
func ProvideLocker(ctx context.Context, cfg *LockConfig, logger *zap.Logger) (*LockBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("lock config is required")
	}

	switch cfg.Backend {
	case LockLocal, "":
		return &LockBundle{
			Locker: lock.NewLocalLocker(),
			Ping:   func(context.Context) error { return nil },
			Close:  func() error { return nil },
		}, nil
	case LockRedis:
		redisCfg := lock.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
			Wait:     cfg.Wait,
		}
		locker := lock.NewRedisLocker(lock.NewRedisClient(redisCfg), redisCfg, logger)
		if err := locker.Ping(ctx); err != nil {
			_ = locker.Close()
			return nil, fmt.Errorf("redis lock backend unreachable: %w", err)
		}
		return &LockBundle{Locker: locker, Ping: locker.Ping, Close: locker.Close}, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// ProvideNotificationSinks creates the log sink and, when configured, the
// Lark sink
func ProvideNotificationSinks(cfg *LarkConfig, logger *zap.Logger) []port.NotificationSink {
	sinks := []port.NotificationSink{notification.NewLogSink(logger)}

	if cfg != nil && cfg.Enabled {
		larkCfg := notification.LarkConfig{
			AppID:         cfg.AppID,
			AppSecret:     cfg.AppSecret,
			ReceiveIDType: cfg.ReceiveIDType,
			OpsChatID:     cfg.OpsChatID,
		}
		api := notification.NewMessageAPI(notification.NewLarkClient(larkCfg), logger)
		sinks = append(sinks, notification.NewLarkSink(api, larkCfg, logger))
		logger.Info("Lark notifications enabled", zap.String("receive_id_type", cfg.ReceiveIDType))
	}

	return sinks
}

// ProvideStorage creates the attachment store, making sure its root exists
func ProvideStorage(cfg *StorageConfig, logger *zap.Logger) (port.AttachmentStore, error) {
	if cfg == nil || cfg.AttachmentDir == "" {
		return nil, fmt.Errorf("attachment dir is required")
	}
	if err := os.MkdirAll(cfg.AttachmentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	return storage.NewLocalFileStorage(cfg.AttachmentDir, logger), nil
}

// ProvideDispatcher creates the event dispatcher
func ProvideDispatcher(logger *zap.Logger) (dispatcher.Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return dispatcher.NewDispatcher(
		dispatcher.WithLogger(&zapLoggerAdapter{logger: logger.Named("dispatcher")}),
	), nil
}

// WorkflowDeps holds dependencies required for creating the workflow engine
type WorkflowDeps struct {
	Repos      *RepositoryBundle
	TxManager  port.TransactionManager
	Locker     port.Locker
	Policy     *routing.Policy
	Dispatcher dispatcher.Dispatcher
	Logger     *zap.Logger
}

// ProvideWorkflowEngine creates the workflow engine
func ProvideWorkflowEngine(deps *WorkflowDeps) (workflow.Engine, error) {
	if deps == nil {
		return nil, fmt.Errorf("workflow dependencies are required")
	}
	if deps.Repos == nil || deps.TxManager == nil || deps.Locker == nil {
		return nil, fmt.Errorf("repositories, transaction manager and locker are required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("routing policy is required")
	}

	if gaps := deps.Policy.Gaps(); len(gaps) > 0 {
		deps.Logger.Warn("Routing policy has levels without approvers",
			zap.Strings("gaps", gaps))
	}
	deps.Logger.Info("Routing policy loaded",
		zap.Int("departments", len(deps.Policy.Departments)),
		zap.Bool("has_default", deps.Policy.Default != nil),
		zap.String("admin_threshold", deps.Policy.AdminThreshold.String()))

	opts := []workflow.EngineOption{
		workflow.WithLogger(&zapLoggerAdapter{logger: deps.Logger.Named("workflow")}),
	}
	if deps.Dispatcher != nil {
		opts = append(opts, workflow.WithDispatcher(deps.Dispatcher))
	}

	return workflow.NewEngine(
		deps.Repos.Requisition,
		deps.Repos.Ledger,
		deps.Repos.Sequence,
		deps.TxManager,
		deps.Locker,
		routing.NewResolver(deps.Policy),
		opts...,
	), nil
}

// ServiceDeps holds dependencies required for creating services
type ServiceDeps struct {
	Engine             workflow.Engine
	Repos              *RepositoryBundle
	TxManager          port.TransactionManager
	Store              port.AttachmentStore
	Sinks              []port.NotificationSink
	Dispatcher         dispatcher.Dispatcher
	MaxAttachmentBytes int64
	Logger             *zap.Logger
}

// ProvideServices creates the application services and subscribes the
// notification service to workflow events
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil {
		return nil, fmt.Errorf("service dependencies are required")
	}
	if deps.Engine == nil || deps.Repos == nil || deps.TxManager == nil {
		return nil, fmt.Errorf("engine, repositories and transaction manager are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("attachment store is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	serviceLogger := &zapLoggerAdapter{logger: deps.Logger.Named("service")}

	notifications := service.NewNotificationService(serviceLogger, deps.Sinks...)
	if deps.Dispatcher != nil {
		notifications.Register(deps.Dispatcher)
		deps.Dispatcher.SubscribeNamed(event.TypeProjectionHealed, "ops-log", func(ctx context.Context, evt *event.Event) error {
			deps.Logger.Warn("Projection healed from ledger",
				zap.Int64("requisition_id", evt.RequisitionID),
				zap.Any("payload", evt.Payload))
			return nil
		})
	}

	return &ServiceBundle{
		Requisition: service.NewRequisitionService(
			deps.Engine,
			deps.Repos.Requisition,
			deps.Repos.Ledger,
			deps.Repos.Attachment,
			deps.Store,
			report.NewHistoryExporter(deps.Logger),
			deps.TxManager,
			serviceLogger,
			service.WithMaxAttachmentBytes(deps.MaxAttachmentBytes),
		),
		Notification: notifications,
	}, nil
}

// ProvideWorkers creates and registers background workers, not started
func ProvideWorkers(cfg *ReconcilerConfig, repos *RepositoryBundle, engine workflow.Engine, logger *zap.Logger) (*worker.Manager, error) {
	if cfg == nil || repos == nil || engine == nil {
		return nil, fmt.Errorf("reconciler config, repositories and engine are required")
	}

	manager := worker.NewManager(logger)
	if cfg.Enabled {
		manager.Register(worker.NewReconciler(worker.ReconcilerConfig{
			Interval:  cfg.Interval,
			BatchSize: cfg.BatchSize,
		}, repos.Requisition, engine, logger))
	}
	return manager, nil
}
