// 通知エンジンのエントリポイント。
// イベントログから未処理イベントを取り出して通知を生成するスケジューラと、
// 通知の一覧・既読管理およびイベント追記を行うHTTP APIを同じプロセスで起動する。
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/docnotify/internal/config"
	"github.com/nao1215/docnotify/internal/lock"
	"github.com/nao1215/docnotify/internal/notification"
	"github.com/nao1215/docnotify/internal/store"
	"github.com/nao1215/docnotify/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("通知エンジンの実行に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLogger, err := logger.New(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	appLogger = appLogger.With("service", "docnotify")
	slog.SetDefault(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(ctx, db, appLogger); err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeLocker()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := notification.NewMetrics(registry)

	events := store.NewEventRepository(db)
	notifications := store.NewNotificationRepository(db)
	documents := store.NewDocumentRepository(db)

	processor := notification.NewProcessor(notification.ProcessorConfig{
		Events:          events,
		Notifications:   notifications,
		Locker:          locker,
		Transactor:      store.NewTransactor(db),
		Users:           store.NewUserRepository(db, store.DefaultUserBatchSize),
		Documents:       documents,
		Rooms:           store.NewRoomRepository(db),
		Logger:          appLogger,
		Metrics:         metrics,
		RetentionMonths: cfg.Notification.RetentionMonths,
	})

	scheduler := notification.NewScheduler(processor, notifications, notification.SchedulerConfig{
		Workers:       cfg.Worker.Count,
		PollInterval:  cfg.Worker.PollInterval,
		SweepInterval: cfg.Worker.SweepInterval,
		Logger:        appLogger,
		Metrics:       metrics,
	})

	server := notification.NewServer(notifications, events, notification.ServerConfig{
		Port:           cfg.HTTP.Port,
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		Gatherer:       registry,
		Logger:         appLogger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx)
	})

	appLogger.Info("通知エンジンを起動しました",
		"http_port", cfg.HTTP.Port,
		"database", cfg.Database.Driver,
		"lock", cfg.Lock.Backend,
		"workers", cfg.Worker.Count,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("通知エンジンを停止しました")
	return nil
}

// newLocker は設定に応じたロックの実装を生成する。戻り値の関数で接続を閉じる。
func newLocker(ctx context.Context, cfg *config.Config, db *sqlx.DB) (notification.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case config.LockBackendMemory:
		return lock.NewMemoryLocker(), func() {}, nil
	case config.LockBackendSQL:
		return lock.NewSQLLocker(db, cfg.Lock.TTL), func() {}, nil
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		return lock.NewRedisLocker(client, cfg.Lock.TTL), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未対応のロックです: %q", cfg.Lock.Backend)
	}
}
