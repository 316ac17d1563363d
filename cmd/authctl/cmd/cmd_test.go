package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	return &cli{t: t, db: filepath.Join(t.TempDir(), "store.db")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", c.db, "--master-key", testMasterKey, "--device", "phone-1"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := newCLI(t).run("keygen")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	assert.Len(t, key, 64)
}

func TestPinLifecycle(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("pin", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pin_set=false")

	_, err = c.run("pin", "set", "1357", "7531")
	assert.ErrorContains(t, err, "did not match")

	_, err = c.run("pin", "set", "1357", "1357")
	require.NoError(t, err)

	out, err = c.run("pin", "verify", "0000")
	assert.ErrorIs(t, err, errVerifyFailed)
	assert.Contains(t, out, "Incorrect PIN. 4 attempts remaining.")

	out, err = c.run("pin", "verify", "1357")
	require.NoError(t, err)
	assert.Contains(t, out, "PIN verified.")

	_, err = c.run("pin", "clear")
	require.NoError(t, err)
	out, err = c.run("pin", "verify", "1357")
	assert.Error(t, err)
	assert.Contains(t, out, "No PIN has been set")
}

func TestLockAndUnlockWithPin(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("pin", "set", "2468", "2468")
	require.NoError(t, err)

	_, err = c.run("session", "lock")
	require.NoError(t, err)
	out, err := c.run("session", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "locked=true")

	_, err = c.run("unlock", "--pin", "2468")
	require.NoError(t, err)
	out, err = c.run("session", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "locked=false")
	assert.Contains(t, out, "expired=false")
}

func TestBiometricUnlockNeedsOutcome(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("method", "set", "biometric")
	require.NoError(t, err)
	out, err := c.run("method", "get")
	require.NoError(t, err)
	assert.Equal(t, "biometric", strings.TrimSpace(out))

	_, err = c.run("unlock")
	assert.ErrorContains(t, err, "--outcome")

	out, err = c.run("unlock", "--outcome", "canceled")
	assert.ErrorIs(t, err, errVerifyFailed)
	assert.Contains(t, out, "canceled")

	_, err = c.run("unlock", "--outcome", "success")
	require.NoError(t, err)
}

func TestSessionSettings(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("session", "settings", "--timeout", "15m")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout=15m0s")

	_, err = c.run("session", "settings", "--timeout", "2m")
	assert.Error(t, err)

	out, err = c.run("session", "settings", "--enabled=false")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout_enabled=false")
}

func TestDeviceCommandsNeedMasterKey(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "x.db"), "--master-key", "", "--device", "phone-1", "pin", "status"})
	assert.ErrorContains(t, root.Execute(), "master-key")
}
