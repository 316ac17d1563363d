package encryption

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"device-auth-service/internal/repository"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKeyUnavailable   = errors.New("data key unavailable")
)

const dataKeySize = 32 // AES-256

// KeyStore persists wrapped data keys. StoreWrappedKeyIfAbsent returns whichever
// wrapped key is stored once the call completes.
type KeyStore interface {
	LoadWrappedKey(ctx context.Context, keyID string) ([]byte, error)
	StoreWrappedKeyIfAbsent(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// KeyWrapper creates data keys and unwraps stored ones under a master key.
type KeyWrapper interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	UnwrapDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// EncryptionManager owns the process-wide data keys. Each key is created at most
// once: an existing wrapped key is always preferred over generating a new one.
type EncryptionManager struct {
	store   KeyStore
	wrapper KeyWrapper
	logger  *zap.Logger

	mu   sync.Mutex
	keys map[string]*memguard.Enclave
}

func NewEncryptionManager(store KeyStore, wrapper KeyWrapper, logger *zap.Logger) *EncryptionManager {
	return &EncryptionManager{
		store:   store,
		wrapper: wrapper,
		logger:  logger,
		keys:    make(map[string]*memguard.Enclave),
	}
}

func (em *EncryptionManager) dataKey(ctx context.Context, keyID string) (*memguard.Enclave, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if enclave, ok := em.keys[keyID]; ok {
		return enclave, nil
	}

	wrapped, err := em.store.LoadWrappedKey(ctx, keyID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		wrapped, err = em.createDataKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: load %s: %v", ErrKeyUnavailable, keyID, err)
	}

	plaintext, err := em.wrapper.UnwrapDataKey(ctx, keyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap %s: %v", ErrKeyUnavailable, keyID, err)
	}
	if len(plaintext) != dataKeySize {
		memguard.WipeBytes(plaintext)
		return nil, fmt.Errorf("%w: %s has size %d", ErrKeyUnavailable, keyID, len(plaintext))
	}

	enclave := memguard.NewEnclave(plaintext)
	em.keys[keyID] = enclave
	return enclave, nil
}

// createDataKey generates and stores a new wrapped key. If another writer stored
// one first, that key is returned instead.
func (em *EncryptionManager) createDataKey(ctx context.Context, keyID string) ([]byte, error) {
	plaintext, wrapped, err := em.wrapper.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: generate %s: %v", ErrKeyUnavailable, keyID, err)
	}
	memguard.WipeBytes(plaintext)

	stored, err := em.store.StoreWrappedKeyIfAbsent(ctx, keyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: store %s: %v", ErrKeyUnavailable, keyID, err)
	}
	if bytes.Equal(stored, wrapped) {
		em.logger.Info("created data key", zap.String("key_id", keyID))
	} else {
		em.logger.Info("adopted data key created concurrently", zap.String("key_id", keyID))
	}
	return stored, nil
}

// Seal encrypts plaintext with AES-256-GCM under the data key keyID.
// The nonce is returned separately from the ciphertext.
func (em *EncryptionManager) Seal(ctx context.Context, keyID string, plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	enclave, err := em.dataKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	key, err := enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	defer key.Destroy()

	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nil, iv, plaintext, aad), iv, nil
}

func (em *EncryptionManager) Open(ctx context.Context, keyID string, ciphertext, iv, aad []byte) ([]byte, error) {
	enclave, err := em.dataKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	key, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer key.Destroy()

	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce has size %d", ErrDecryptionFailed, len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ForKey binds the manager to one data key.
func (em *EncryptionManager) ForKey(keyID string) *KeyHandle {
	return &KeyHandle{em: em, keyID: keyID}
}

// ClearCache drops the unwrapped keys. They are unwrapped again on next use.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.keys = make(map[string]*memguard.Enclave)
	em.mu.Unlock()
}

func (em *EncryptionManager) CacheSize() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.keys)
}

type KeyHandle struct {
	em    *EncryptionManager
	keyID string
}

func (h *KeyHandle) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, []byte, error) {
	return h.em.Seal(ctx, h.keyID, plaintext, aad)
}

func (h *KeyHandle) Open(ctx context.Context, ciphertext, iv, aad []byte) ([]byte, error) {
	return h.em.Open(ctx, h.keyID, ciphertext, iv, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
