package provision

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"ChainPilot/internal/account"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// Retrier 定义了重试工作协程所需的流水线能力。
type Retrier interface {
	RetryDeployment(ctx context.Context, address string) (*Outcome, error)
}

// Worker 从重试队列消费账户地址并重试部署。
type Worker struct {
	retrier     Retrier
	store       account.Store
	consumer    Consumer
	producer    Producer
	workerCount int
	log         *slog.Logger
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker 构造重试工作器。
func NewWorker(retrier Retrier, store account.Store, consumer Consumer, producer Producer, opts ...WorkerOption) *Worker {
	w := &Worker{
		retrier:     retrier,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		log:         logger.Named("deploy-retry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动重试消费循环，阻塞至上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置重试消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, address string) error {
	acct, err := w.store.Get(ctx, address)
	if err != nil {
		if stdErrors.Is(err, account.ErrAccountNotFound) {
			w.log.Debug("跳过不存在的账户", slog.String("address", address))
			return nil
		}
		w.log.Error("读取账户失败", slog.Any("error", err), slog.String("address", address))
		return err
	}
	if acct.IsDeployed || !acct.IsDeploymentPending {
		w.log.Debug("账户无需重试部署",
			slog.String("address", address),
			slog.String("status", string(acct.Status)),
		)
		return nil
	}

	outcome, err := w.retrier.RetryDeployment(ctx, address)
	if err != nil {
		if stdErrors.Is(err, ErrProvisionBusy) {
			return nil
		}
		w.log.Warn("重试部署出错",
			slog.Any("error", err),
			slog.String("address", address),
		)
		if xerrors.RetryableError(err) && w.producer != nil {
			if pubErr := w.producer.Publish(ctx, address); pubErr != nil {
				return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "重投重试地址失败")
			}
			return nil
		}
		return err
	}

	if outcome.Deployed {
		logger.Audit().Info("后台重试部署成功",
			slog.String("address", address),
			slog.String("tx_ref", outcome.DeploymentTxRef),
		)
		return nil
	}
	logger.Audit().Warn("后台重试部署未完成",
		slog.String("address", address),
		slog.String("error_code", outcome.ErrorCode),
	)
	return nil
}

// Sweeper 周期性扫描存储中待部署的账户并投递到重试队列。
// 队列丢消息不致命，下一轮扫描会重新捞起同一批账户。
type Sweeper struct {
	store    account.Store
	producer Producer
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewSweeper 构造扫描器。
func NewSweeper(store account.Store, producer Producer, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		store:    store,
		producer: producer,
		interval: interval,
		batch:    batch,
		log:      logger.Named("deploy-sweeper"),
	}
}

// Run 启动扫描循环，阻塞至上下文取消。启动时先扫一轮，
// 以便进程重启后尽快捞起遗留的待部署账户。
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.sweep(ctx); err != nil {
		s.log.Warn("启动扫描失败", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.log.Warn("扫描待部署账户失败", slog.Any("error", err))
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	accounts, err := s.store.ListDeploymentPending(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if err := s.producer.Publish(ctx, acct.Address); err != nil {
			s.log.Warn("投递重试地址失败",
				slog.Any("error", err),
				slog.String("address", acct.Address),
			)
			continue
		}
		s.log.Debug("已投递重试地址", slog.String("address", acct.Address))
	}
	return nil
}
