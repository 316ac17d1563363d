package stepup

import (
	"context"
	"fmt"
)

// ReportedOutcome is what a device says its platform prompt returned.
type ReportedOutcome string

const (
	ReportedSuccess             ReportedOutcome = "success"
	ReportedFailed              ReportedOutcome = "failed"
	ReportedCanceled            ReportedOutcome = "canceled"
	ReportedHardwareUnavailable ReportedOutcome = "hardware_unavailable"
	ReportedLockout             ReportedOutcome = "lockout"
)

// ReportedPrompter replays an outcome the device already observed. The HTTP API
// uses it because the platform prompt itself runs on the device.
type ReportedPrompter struct {
	Outcome ReportedOutcome
}

func (p ReportedPrompter) Prompt(ctx context.Context, _ PromptConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch p.Outcome {
	case ReportedSuccess:
		return nil
	case ReportedCanceled:
		return ErrCanceled
	case ReportedHardwareUnavailable:
		return ErrHardwareUnavailable
	case ReportedLockout:
		return ErrPlatformLockout
	case ReportedFailed:
		return ErrNotRecognized
	}
	return fmt.Errorf("%w: unknown outcome %q", ErrNotRecognized, p.Outcome)
}

func ParseReportedOutcome(s string) (ReportedOutcome, error) {
	switch o := ReportedOutcome(s); o {
	case ReportedSuccess, ReportedFailed, ReportedCanceled, ReportedHardwareUnavailable, ReportedLockout:
		return o, nil
	}
	return "", fmt.Errorf("unknown prompt outcome %q", s)
}
