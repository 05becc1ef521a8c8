package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventProcessor は未処理イベントを1件処理する。*Processor が実装する。
type EventProcessor interface {
	ProcessNextEvent(ctx context.Context) bool
}

// ExpiredSweeper は保持期限切れの通知を削除する。
type ExpiredSweeper interface {
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)
}

// SchedulerConfig はSchedulerの設定。
type SchedulerConfig struct {
	// Workers はProcessNextEventを並行して呼び出すワーカー数。1未満の場合は1。
	Workers int
	// PollInterval は処理するイベントがなかった後に待つ時間。
	PollInterval time.Duration
	// SweepInterval は期限切れ通知を削除する間隔。0以下の場合は削除しない。
	SweepInterval time.Duration
	// Logger はログ出力先。nilの場合は slog.Default() を使う。
	Logger *slog.Logger
	// Metrics はメトリクス。nilの場合は記録しない。
	Metrics *Metrics
	// Now は現在時刻を返す。nilの場合は time.Now().UTC()。
	Now func() time.Time
}

// Scheduler はProcessorを複数のワーカーで繰り返し呼び出すバックグラウンドプロセス。
// 期限切れ通知の定期削除も担当する。
type Scheduler struct {
	processor EventProcessor
	sweeper   ExpiredSweeper
	workers   int
	poll      time.Duration
	sweep     time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewScheduler は新しいSchedulerを生成する。sweeperがnilの場合は期限切れ通知を削除しない。
func NewScheduler(processor EventProcessor, sweeper ExpiredSweeper, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		processor: processor,
		sweeper:   sweeper,
		workers:   cfg.Workers,
		poll:      cfg.PollInterval,
		sweep:     cfg.SweepInterval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.poll <= 0 {
		s.poll = time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Run はctxがキャンセルされるまでワーカーと削除ループを実行する。
// 処理中のイベントはキャンセルを検知して何も保存せずに中断する。
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("スケジューラを開始します", "workers", s.workers, "poll_interval", s.poll.String())

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.workers {
		g.Go(func() error {
			s.runWorker(ctx, i)
			return nil
		})
	}
	if s.sweeper != nil && s.sweep > 0 {
		g.Go(func() error {
			s.runSweeper(ctx)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("スケジューラを停止しました")
	return err
}

// runWorker はイベントを処理し続ける。処理するものがなければPollIntervalだけ待つ。
func (s *Scheduler) runWorker(ctx context.Context, id int) {
	timer := time.NewTimer(s.poll)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.processor.ProcessNextEvent(ctx) {
			continue
		}

		timer.Reset(s.poll)
		select {
		case <-ctx.Done():
			s.logger.Debug("ワーカーを停止しました", "worker", id)
			return
		case <-timer.C:
		}
	}
}

// runSweeper はSweepIntervalごとに期限切れ通知を削除する。
func (s *Scheduler) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("期限切れ通知の削除に失敗しました", "error", err)
			}
		}
	}
}

// Sweep は現在時刻で期限切れの通知を削除し、削除件数を返す。
func (s *Scheduler) Sweep(ctx context.Context) (int64, error) {
	if s.sweeper == nil {
		return 0, nil
	}

	deleted, err := s.sweeper.DeleteExpiredNotifications(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("期限切れ通知の削除に失敗: %w", err)
	}
	s.metrics.addExpired(deleted)
	if deleted > 0 {
		s.logger.Info("期限切れ通知を削除しました", "count", deleted)
	}
	return deleted, nil
}
