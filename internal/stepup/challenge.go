package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
)

type State int

const (
	StateNotStarted State = iota
	StatePrompting
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StatePrompting:
		return "prompting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrChallengeComplete   = errors.New("challenge already succeeded")
	ErrChallengeInProgress = errors.New("challenge prompt already in progress")
)

// Unlocker is told when a challenge succeeds.
type Unlocker interface {
	UnlockSession(ctx context.Context) error
}

// Challenge drives one step-up: NotStarted, Prompting, then Succeeded, Failed or Canceled.
// Failed and Canceled return to NotStarted so the user can try again. Succeeded is final.
type Challenge struct {
	deviceID string
	strategy Strategy
	unlocker Unlocker
	auditor  audit.Auditor
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

func NewChallenge(deviceID string, strategy Strategy, unlocker Unlocker, auditor audit.Auditor, logger *zap.Logger) *Challenge {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Challenge{
		deviceID: deviceID,
		strategy: strategy,
		unlocker: unlocker,
		auditor:  auditor,
		logger:   logger,
	}
}

func (c *Challenge) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run performs one prompt. The returned Outcome reports Succeeded, Failed or Canceled.
func (c *Challenge) Run(ctx context.Context, attempt Attempt) (Outcome, error) {
	c.mu.Lock()
	switch c.state {
	case StateSucceeded:
		c.mu.Unlock()
		return Outcome{}, ErrChallengeComplete
	case StatePrompting:
		c.mu.Unlock()
		return Outcome{}, ErrChallengeInProgress
	}
	c.state = StatePrompting
	c.mu.Unlock()

	out := c.strategy.Authenticate(ctx, attempt)

	if out.State == StateSucceeded {
		if err := c.unlocker.UnlockSession(ctx); err != nil {
			c.setState(StateNotStarted)
			return Outcome{State: StateFailed, Err: err}, fmt.Errorf("failed to unlock session: %w", err)
		}
		c.setState(StateSucceeded)
		c.auditor.Record(ctx, audit.Event(models.EventStepUpSucceeded, c.deviceID, c.deviceID, map[string]string{
			"method": string(c.strategy.Method()),
		}))
		return out, nil
	}

	c.setState(StateNotStarted)
	details := map[string]string{
		"method":  string(c.strategy.Method()),
		"outcome": out.State.String(),
	}
	if out.Err != nil {
		details["reason"] = out.Err.Error()
	}
	c.logger.Info("step-up did not succeed",
		zap.String("device_id", c.deviceID),
		zap.String("method", string(c.strategy.Method())),
		zap.Stringer("outcome", out.State),
	)
	c.auditor.Record(ctx, audit.Event(models.EventStepUpFailed, c.deviceID, c.deviceID, details))
	return out, nil
}

func (c *Challenge) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
