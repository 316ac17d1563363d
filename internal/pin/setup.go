package pin

import (
	"context"
	"sync"
)

type SetupStep int

const (
	// StepConfirm means the first entry was staged and a confirmation is expected.
	StepConfirm SetupStep = iota + 1
	StepComplete
	// StepMismatch means the confirmation differed. Both entries were discarded.
	StepMismatch
)

func (s SetupStep) String() string {
	switch s {
	case StepConfirm:
		return "confirm"
	case StepComplete:
		return "complete"
	case StepMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Setup runs the enter-then-confirm flow for a new PIN. It never touches the
// verification attempt counter.
type Setup struct {
	vault *Vault

	mu     sync.Mutex
	staged string
}

func NewSetup(vault *Vault) *Setup {
	return &Setup{vault: vault}
}

func (s *Setup) Enter(ctx context.Context, pin string) (SetupStep, error) {
	if !ValidPin(pin) {
		return 0, ErrInvalidPin
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == "" {
		s.staged = pin
		return StepConfirm, nil
	}

	staged := s.staged
	s.staged = ""
	if staged != pin {
		return StepMismatch, nil
	}
	if err := s.vault.SetPin(ctx, pin); err != nil {
		return 0, err
	}
	return StepComplete, nil
}

// Reset discards a staged entry.
func (s *Setup) Reset() {
	s.mu.Lock()
	s.staged = ""
	s.mu.Unlock()
}

func (s *Setup) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged != ""
}
