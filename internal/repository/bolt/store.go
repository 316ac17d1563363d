// Package bolt persists device records in a single bbolt file, one bucket per record kind.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
)

var (
	bucketSessions = []byte("session_state")
	bucketPins     = []byte("pin_records")
	bucketPrefs    = []byte("auth_prefs")
	bucketKeys     = []byte("data_keys")
)

type Store struct {
	db *bolt.DB
}

// Open creates the file and its buckets if needed.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketPins, bucketPrefs, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return repository.ErrNotFound
		}
		return json.Unmarshal(raw, v)
	})
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
}

func (s *Store) LoadSession(_ context.Context, deviceID string) (*models.SessionState, error) {
	var st models.SessionState
	if err := s.get(bucketSessions, deviceID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveSession(_ context.Context, deviceID string, state *models.SessionState) error {
	return s.put(bucketSessions, deviceID, state)
}

func (s *Store) LoadPin(_ context.Context, deviceID string) (*models.PinRecord, error) {
	var rec models.PinRecord
	if err := s.get(bucketPins, deviceID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SavePin(_ context.Context, deviceID string, rec *models.PinRecord) error {
	return s.put(bucketPins, deviceID, rec)
}

func (s *Store) DeletePin(_ context.Context, deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).Delete([]byte(deviceID))
	})
}

func (s *Store) LoadAuthMethod(_ context.Context, deviceID string) (models.AuthMethod, error) {
	var pref models.AuthPreference
	if err := s.get(bucketPrefs, deviceID, &pref); err != nil {
		return "", err
	}
	return pref.Method, nil
}

func (s *Store) SaveAuthMethod(_ context.Context, deviceID string, method models.AuthMethod) error {
	return s.put(bucketPrefs, deviceID, models.AuthPreference{Method: method})
}

func (s *Store) LoadWrappedKey(_ context.Context, keyID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeys).Get([]byte(keyID))
		if raw == nil {
			return repository.ErrNotFound
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

// StoreWrappedKeyIfAbsent returns whichever wrapped key ends up stored under keyID.
func (s *Store) StoreWrappedKeyIfAbsent(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	var out []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if raw := b.Get([]byte(keyID)); raw != nil {
			out = append([]byte(nil), raw...)
			return nil
		}
		out = append([]byte(nil), wrapped...)
		return b.Put([]byte(keyID), out)
	})
	return out, err
}
