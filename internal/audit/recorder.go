// Package audit records security events from the session, PIN, step-up and OTP flows.
// Sink failures are logged and never change an authentication outcome.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"device-auth-service/internal/bucketing"
	"device-auth-service/internal/models"
)

type Auditor interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

type Sink interface {
	Name() string
	Write(ctx context.Context, event models.SecurityEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, models.SecurityEvent) {}

type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	clock   clockwork.Clock
	timeout time.Duration
	logger  *zap.Logger
}

func NewRecorder(sinks []Sink, buckets *bucketing.BucketingManager, clock clockwork.Clock, timeout time.Duration, logger *zap.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		clock:   clock,
		timeout: timeout,
		logger:  logger,
	}
}

// Record stamps the event and writes it to every sink concurrently.
func (r *Recorder) Record(ctx context.Context, event models.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock.Now().UTC()
	}
	if r.buckets != nil {
		event.EventBucket = r.buckets.EventBucket(event.Subject)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, event); err != nil {
				r.logger.Warn("failed to write security event",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(event.EventType)),
					zap.String("event_id", event.EventID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Event builds an unstamped security event.
func Event(eventType models.EventType, subject, deviceID string, details map[string]string) models.SecurityEvent {
	return models.SecurityEvent{
		EventType: eventType,
		Subject:   subject,
		DeviceID:  deviceID,
		Details:   details,
	}
}
