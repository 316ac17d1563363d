package email

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"device-auth-service/internal/otp"
)

type jobSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

type WorkerConfig struct {
	// MaxAge drops jobs older than this; their codes have already expired.
	MaxAge      time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Worker delivers queued OTP emails. Every fetched job is committed once it
// is sent, dropped as stale or invalid, or has used all its attempts.
type Worker struct {
	source jobSource
	sender otp.Sender
	cfg    WorkerConfig
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewWorker(source jobSource, sender otp.Sender, cfg WorkerConfig, clock clockwork.Clock, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Worker{source: source, sender: sender, cfg: cfg, clock: clock, logger: logger}
}

// Run processes jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w.handle(ctx, msg)

		if err := w.source.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	log := w.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	if w.cfg.MaxAge > 0 && !msg.Time.IsZero() && w.clock.Since(msg.Time) > w.cfg.MaxAge {
		log.Info("dropping stale email job", zap.Time("queued_at", msg.Time))
		return
	}

	job, err := DecodeJob(msg.Value)
	if err != nil {
		log.Warn("dropping invalid email job", zap.Error(err))
		return
	}

	backoff := w.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := w.sender.SendCode(ctx, job)
		if err == nil {
			log.Info("otp email delivered", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, ErrNotConfigured) || attempt >= w.cfg.MaxAttempts {
			log.Error("otp email delivery failed", zap.Int("attempts", attempt), zap.Error(err))
			return
		}
		log.Warn("otp email delivery failed, retrying", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(backoff):
		}
		backoff *= 2
	}
}
