// Package otp issues and verifies emailed one-time codes, one live code per user.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"device-auth-service/internal/audit"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/util"
)

const (
	CodeLength = 6
	codeMin    = 100000
	codeSpan   = 900000

	DefaultTTL            = 5 * time.Minute
	DefaultMaxAttempts    = 3
	DefaultResendCooldown = 60 * time.Second

	hashPurpose    = "otp-email"
	maxSwapRetries = 5
)

var (
	ErrEmptyCode     = errors.New("verification code is empty")
	ErrMalformedCode = errors.New("verification code must be 6 digits")
	ErrInvalidUser   = errors.New("user id and email are required")
	ErrPersist       = errors.New("failed to store verification code")
	ErrDelivery      = errors.New("verification code stored but email delivery failed")
	ErrContention    = errors.New("verification code changed concurrently too many times")
)

// Store keeps the single live OTPRecord of each user.
// GetOTP returns repository.ErrNotFound when there is none. SwapOTP writes next only if
// the stored record is still the version in expect, and returns repository.ErrConflict otherwise.
type Store interface {
	PutOTP(ctx context.Context, rec *models.OTPRecord) error
	GetOTP(ctx context.Context, userID string) (*models.OTPRecord, error)
	SwapOTP(ctx context.Context, next, expect *models.OTPRecord) error
	DeleteOTP(ctx context.Context, userID string) error
}

type Message struct {
	ToEmail          string `json:"to_email"`
	ToName           string `json:"to_name"`
	Code             string `json:"passcode"`
	ExpiresInMinutes int    `json:"expires_in"`
}

type Sender interface {
	SendCode(ctx context.Context, msg Message) error
}

type CodeHasher interface {
	HashCode(code, purpose string) (string, error)
	VerifyCode(code, encoded, purpose string) (bool, error)
}

type Config struct {
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		MaxAttempts:    DefaultMaxAttempts,
		ResendCooldown: DefaultResendCooldown,
	}
}

// Issued describes a code that was stored and handed to the sender.
type Issued struct {
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Service struct {
	store    Store
	sender   Sender
	hasher   CodeHasher
	cfg      Config
	clock    clockwork.Clock
	auditor  audit.Auditor
	logger   *zap.Logger
	generate func() (string, error)
}

func NewService(store Store, sender Sender, hasher CodeHasher, cfg Config, clock clockwork.Clock, auditor audit.Auditor, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = def.ResendCooldown
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if debugBypass {
		logger.Warn("OTP debug bypass is compiled in: any 6-digit code is accepted")
	}
	return &Service{
		store:    store,
		sender:   sender,
		hasher:   hasher,
		cfg:      cfg,
		clock:    clock,
		auditor:  auditor,
		logger:   logger,
		generate: generateCode,
	}
}

// generateCode draws uniformly from [100000, 999999].
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

// CreateAndSend replaces the user's code with a fresh one and emails it.
// ErrDelivery means the new code is live but the user may not have received it.
func (s *Service) CreateAndSend(ctx context.Context, userID, email, name string) (*Issued, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" || email == "" {
		return nil, ErrInvalidUser
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrPersist, err)
	}
	hashed, err := s.hasher.HashCode(code, hashPurpose)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrPersist, err)
	}

	now := s.clock.Now()
	rec := &models.OTPRecord{
		UserID:      userID,
		OTP:         hashed,
		Email:       email,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.store.PutOTP(ctx, rec); err != nil {
		s.logger.Error("failed to persist otp", util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	msg := Message{
		ToEmail:          email,
		ToName:           util.SanitizeDisplayName(name),
		Code:             code,
		ExpiresInMinutes: int(s.cfg.TTL / time.Minute),
	}
	if err := s.sender.SendCode(ctx, msg); err != nil {
		s.logger.Error("failed to deliver otp", util.UserID(userID), zap.Error(err))
		s.auditor.Record(ctx, audit.Event(models.EventOTPDeliveryFailed, userID, "", nil))
		return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	s.logger.Info("otp sent", util.UserID(userID), zap.Time("expires_at", rec.ExpiresAt))
	s.auditor.Record(ctx, audit.Event(models.EventOTPSent, userID, "", nil))
	return &Issued{Code: code, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

func validateInput(input string) error {
	if input == "" {
		return ErrEmptyCode
	}
	if len(input) != CodeLength || !util.IsDigits(input) {
		return ErrMalformedCode
	}
	return nil
}

// Verify checks input against the user's live code. Checks run in a fixed order:
// missing, already used, expired, locked, then the code itself.
func (s *Service) Verify(ctx context.Context, userID, input string) VerifyResult {
	input = strings.TrimSpace(input)
	if err := validateInput(input); err != nil {
		return Failure{Err: err}
	}

	for attempt := 0; attempt < maxSwapRetries; attempt++ {
		res, retry := s.verifyOnce(ctx, userID, input)
		if !retry {
			return res
		}
		s.logger.Debug("otp changed during verify, retrying", util.UserID(userID), zap.Int("attempt", attempt+1))
	}
	return Failure{Err: ErrContention}
}

func (s *Service) verifyOnce(ctx context.Context, userID, input string) (VerifyResult, bool) {
	rec, err := s.store.GetOTP(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return NotFound{}, false
	}
	if err != nil {
		return Failure{Err: fmt.Errorf("failed to load otp: %w", err)}, false
	}

	if rec.Verified {
		return AlreadyUsed{}, false
	}
	now := s.clock.Now()
	if rec.IsExpired(now) {
		s.auditor.Record(ctx, audit.Event(models.EventOTPExpired, userID, "", nil))
		return Expired{}, false
	}
	if rec.IsLocked() {
		return Locked{}, false
	}

	match := debugBypass
	if !match {
		match, err = s.hasher.VerifyCode(input, rec.OTP, hashPurpose)
		if err != nil {
			return Failure{Err: fmt.Errorf("failed to check otp: %w", err)}, false
		}
	}

	next := *rec
	next.LastAttemptAt = now
	if match {
		next.Verified = true
	} else {
		next.Attempts++
	}

	switch err := s.store.SwapOTP(ctx, &next, rec); {
	case errors.Is(err, repository.ErrConflict):
		return nil, true
	case errors.Is(err, repository.ErrNotFound):
		return NotFound{}, false
	case err != nil:
		return Failure{Err: fmt.Errorf("failed to update otp: %w", err)}, false
	}

	if match {
		s.auditor.Record(ctx, audit.Event(models.EventOTPVerified, userID, "", nil))
		return Success{}, false
	}
	if next.IsLocked() {
		s.logger.Warn("otp locked after failed attempts", util.UserID(userID))
		s.auditor.Record(ctx, audit.Event(models.EventOTPLocked, userID, "", nil))
		return Locked{}, false
	}
	s.auditor.Record(ctx, audit.Event(models.EventOTPWrong, userID, "", map[string]string{
		"remaining": strconv.Itoa(next.Remaining()),
	}))
	return WrongCode{Remaining: next.Remaining()}, false
}

// CanResend reports whether the cooldown since the live code was issued has passed.
func (s *Service) CanResend(ctx context.Context, userID string) (bool, error) {
	secs, err := s.ResendCooldownSeconds(ctx, userID)
	if err != nil {
		return false, err
	}
	return secs == 0, nil
}

// ResendCooldownSeconds is the whole seconds left before a resend is allowed, rounded up.
func (s *Service) ResendCooldownSeconds(ctx context.Context, userID string) (int, error) {
	rec, err := s.store.GetOTP(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load otp: %w", err)
	}

	left := s.cfg.ResendCooldown - s.clock.Now().Sub(rec.CreatedAt)
	if left <= 0 {
		return 0, nil
	}
	return int((left + time.Second - 1) / time.Second), nil
}

// Invalidate deletes the user's code after a successful login or on logout.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	if err := s.store.DeleteOTP(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete otp: %w", err)
	}
	s.auditor.Record(ctx, audit.Event(models.EventOTPInvalidated, userID, "", nil))
	return nil
}
