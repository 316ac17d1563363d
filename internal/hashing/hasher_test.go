package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the suite fast
var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New(testParams, Pepper{Value: "pepper-one", Version: 1})
	require.NoError(t, err)
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.HashCode("482913", "otp")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "argon2id$v=1$m=1024,t=1,p=1$"))
	assert.NotContains(t, encoded, "482913")

	ok, err := h.VerifyCode("482913", encoded, "otp")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("482914", encoded, "otp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltMakesHashesDiffer(t *testing.T) {
	h := newTestHasher(t)
	a, err := h.HashCode("111111", "otp")
	require.NoError(t, err)
	b, err := h.HashCode("111111", "otp")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPurposeIsBound(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.HashCode("123456", "otp")
	require.NoError(t, err)

	ok, err := h.VerifyCode("123456", encoded, "recovery")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotationKeepsPreviousPepper(t *testing.T) {
	h := newTestHasher(t)
	old, err := h.HashCode("654321", "otp")
	require.NoError(t, err)

	h.Rotate(Pepper{Value: "pepper-two", Version: 2})
	ok, err := h.VerifyCode("654321", old, "otp")
	require.NoError(t, err)
	assert.True(t, ok)

	h.Rotate(Pepper{Value: "pepper-three", Version: 3})
	h.Rotate(Pepper{Value: "pepper-four", Version: 4})
	_, err = h.VerifyCode("654321", old, "otp")
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := newTestHasher(t)
	for _, bad := range []string{
		"",
		"bcrypt$v=1$m=1,t=1,p=1$AA$AA",
		"argon2id$v=x$m=1,t=1,p=1$AA$AA",
		"argon2id$v=1$m=1,t=1,p=1$!!$AA",
		"argon2id$v=1$m=1,t=1,p=1$AA$",
	} {
		_, err := h.VerifyCode("123456", bad, "otp")
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
	}
}

func TestNewRequiresPepper(t *testing.T) {
	_, err := New(testParams, Pepper{})
	assert.ErrorIs(t, err, ErrPepperNotConfig)
}
