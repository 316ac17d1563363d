package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"device-auth-service/internal/config"
)

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrUnknownPepper   = errors.New("pepper version not found")
	ErrPepperNotConfig = errors.New("hashing pepper is not configured")
)

const algorithm = "argon2id"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher hashes one-time codes with argon2id and a versioned server pepper.
// Encoded hashes carry their parameters so old records verify after a config change.
type Hasher struct {
	params  Argon2Params
	current Pepper
	older   []Pepper
	mu      sync.RWMutex
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	current := Pepper{Value: cfg.Hashing.Pepper, Version: cfg.Hashing.PepperVersion}
	var older []Pepper
	if cfg.Hashing.PreviousPepper != "" {
		older = append(older, Pepper{Value: cfg.Hashing.PreviousPepper, Version: cfg.Hashing.PepperVersion - 1})
	}
	return New(params, current, older...)
}

func New(params Argon2Params, current Pepper, older ...Pepper) (*Hasher, error) {
	if current.Value == "" {
		return nil, ErrPepperNotConfig
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}
	return &Hasher{params: params, current: current, older: older}, nil
}

// Rotate makes p the current pepper. The previous one is kept for verification.
func (h *Hasher) Rotate(p Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.older = append([]Pepper{h.current}, h.older...)
	if len(h.older) > 2 {
		h.older = h.older[:2]
	}
	h.current = p
}

// HashCode returns "argon2id$v=<pepper>$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>".
func (h *Hasher) HashCode(code, purpose string) (string, error) {
	h.mu.RLock()
	pepper := h.current
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := argon2.IDKey(contextual(code, pepper.Value, purpose), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm, pepper.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyCode compares code with an encoded hash in constant time.
func (h *Hasher) VerifyCode(code, encoded, purpose string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != algorithm {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrInvalidHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	pepper, err := h.pepper(version)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(contextual(code, pepper, purpose), salt,
		iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) pepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.current.Version == version {
		return h.current.Value, nil
	}
	for _, p := range h.older {
		if p.Version == version {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}

// contextual binds the purpose into the input so a hash for one flow never verifies in another.
func contextual(code, pepper, purpose string) []byte {
	return []byte(code + "\x00" + pepper + "\x00" + purpose)
}
