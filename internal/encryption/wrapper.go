package encryption

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/awnumar/memguard"
)

// LocalWrapper wraps data keys with a master key held in a memguard enclave.
// The key id is bound to each wrapped key as additional data.
type LocalWrapper struct {
	master *memguard.Enclave
}

// NewLocalWrapper takes ownership of masterKey and wipes the caller's copy.
func NewLocalWrapper(masterKey []byte) (*LocalWrapper, error) {
	if len(masterKey) != dataKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", dataKeySize, len(masterKey))
	}
	return &LocalWrapper{master: memguard.NewEnclave(masterKey)}, nil
}

func NewLocalWrapperFromHex(masterKeyHex string) (*LocalWrapper, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return NewLocalWrapper(key)
}

// NewEphemeralLocalWrapper uses a random master key that lives only as long as the process.
func NewEphemeralLocalWrapper() *LocalWrapper {
	return &LocalWrapper{master: memguard.NewEnclaveRandom(dataKeySize)}
}

// GenerateMasterKeyHex returns a fresh 256-bit master key as hex.
func GenerateMasterKeyHex() (string, error) {
	key := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	defer memguard.WipeBytes(key)
	return hex.EncodeToString(key), nil
}

func (w *LocalWrapper) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	plaintext := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, err
	}

	master, err := w.master.Open()
	if err != nil {
		return nil, nil, err
	}
	defer master.Destroy()

	gcm, err := newGCM(master.Bytes())
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	wrapped := gcm.Seal(nonce, nonce, plaintext, []byte(keyID))
	return plaintext, wrapped, nil
}

func (w *LocalWrapper) UnwrapDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	master, err := w.master.Open()
	if err != nil {
		return nil, err
	}
	defer master.Destroy()

	gcm, err := newGCM(master.Bytes())
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("wrapped key shorter than nonce")
	}
	nonce, sealed := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, []byte(keyID))
}

// KMSAPI is the subset of *kms.Client used for key wrapping.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSWrapper wraps data keys under an AWS KMS key, with the key id as encryption context.
type KMSWrapper struct {
	client   KMSAPI
	kmsKeyID string
}

func NewKMSWrapper(client KMSAPI, kmsKeyID string) *KMSWrapper {
	return &KMSWrapper{client: client, kmsKeyID: kmsKeyID}
}

func (w *KMSWrapper) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	out, err := w.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(w.kmsKeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"key_id": keyID},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (w *KMSWrapper) UnwrapDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		KeyId:             aws.String(w.kmsKeyID),
		EncryptionContext: map[string]string{"key_id": keyID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	return out.Plaintext, nil
}
