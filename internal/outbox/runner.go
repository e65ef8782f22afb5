package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/pkg/logger"
)

// Runner periodically flushes the failed queue while the connection is up.
type Runner struct {
	pipeline    *Pipeline
	interval    time.Duration
	isConnected func() bool
	logger      *logger.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewRunner creates a retry runner. A non-positive interval disables it.
func NewRunner(pipeline *Pipeline, interval time.Duration, isConnected func() bool, l *logger.Logger) *Runner {
	return &Runner{
		pipeline:    pipeline,
		interval:    interval,
		isConnected: isConnected,
		logger:      logger.OrNop(l).Named("outbox-runner"),
	}
}

// Start runs the loop in the background until ctx is done. Only the first
// call starts it.
func (r *Runner) Start(ctx context.Context) {
	r.once.Do(func() {
		if r.interval <= 0 {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.Run(ctx)
		}()
	})
}

// Wait blocks until a started loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run retries the failed queue on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processBatch(ctx)
		}
	}
}

func (r *Runner) processBatch(ctx context.Context) {
	if r.isConnected != nil && !r.isConnected() {
		return
	}
	if len(r.pipeline.Failed()) == 0 {
		return
	}
	sent, err := r.pipeline.FlushPending(ctx)
	if err != nil {
		r.logger.Logger.Debug("retry pass incomplete", zap.Int("sent", sent), zap.Error(err))
		return
	}
	r.logger.Logger.Info("retried failed messages", zap.Int("sent", sent))
}
