// Package memory is a thread-safe in-memory backend for every device and OTP record.
// Suitable for tests, development and the local CLI.
package memory

import (
	"context"
	"sync"

	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.SessionState
	pins     map[string]models.PinRecord
	methods  map[string]models.AuthMethod
	keys     map[string][]byte
	otps     map[string]models.OTPRecord
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]models.SessionState),
		pins:     make(map[string]models.PinRecord),
		methods:  make(map[string]models.AuthMethod),
		keys:     make(map[string][]byte),
		otps:     make(map[string]models.OTPRecord),
	}
}

func (s *Store) LoadSession(_ context.Context, deviceID string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (s *Store) SaveSession(_ context.Context, deviceID string, state *models.SessionState) error {
	s.mu.Lock()
	s.sessions[deviceID] = *state
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadPin(_ context.Context, deviceID string) (*models.PinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pins[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clonePin(rec), nil
}

func (s *Store) SavePin(_ context.Context, deviceID string, rec *models.PinRecord) error {
	s.mu.Lock()
	s.pins[deviceID] = *clonePin(*rec)
	s.mu.Unlock()
	return nil
}

func (s *Store) DeletePin(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.pins, deviceID)
	s.mu.Unlock()
	return nil
}

func clonePin(rec models.PinRecord) *models.PinRecord {
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	rec.IV = append([]byte(nil), rec.IV...)
	return &rec
}

func (s *Store) LoadAuthMethod(_ context.Context, deviceID string) (models.AuthMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[deviceID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return m, nil
}

func (s *Store) SaveAuthMethod(_ context.Context, deviceID string, method models.AuthMethod) error {
	s.mu.Lock()
	s.methods[deviceID] = method
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadWrappedKey(_ context.Context, keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), k...), nil
}

// StoreWrappedKeyIfAbsent returns the key that ends up stored, which is the existing one if present.
func (s *Store) StoreWrappedKeyIfAbsent(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		return append([]byte(nil), k...), nil
	}
	s.keys[keyID] = append([]byte(nil), wrapped...)
	return append([]byte(nil), wrapped...), nil
}

func (s *Store) PutOTP(_ context.Context, rec *models.OTPRecord) error {
	s.mu.Lock()
	s.otps[rec.UserID] = *rec
	s.mu.Unlock()
	return nil
}

func (s *Store) GetOTP(_ context.Context, userID string) (*models.OTPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.otps[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

// SwapOTP stores next only if the live record is still the version in expect.
func (s *Store) SwapOTP(_ context.Context, next, expect *models.OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.otps[expect.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	if !cur.SameVersion(expect) {
		return repository.ErrConflict
	}
	s.otps[next.UserID] = *next
	return nil
}

func (s *Store) DeleteOTP(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.otps, userID)
	s.mu.Unlock()
	return nil
}
