package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"device-auth-service/internal/encryption"
	"device-auth-service/internal/pin"
	"device-auth-service/internal/repository/bolt"
	"device-auth-service/internal/service"
	"device-auth-service/internal/util"
)

type options struct {
	dbPath    string
	masterKey string
	deviceID  string
	logLevel  string
	clock     clockwork.Clock
}

func newRootCmd() *cobra.Command {
	opts := &options{clock: clockwork.NewRealClock()}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "authctl manages device sessions and PINs in a local store",
		Long: `Operate on the bbolt device store used with SESSION_BACKEND=bolt.
The store must not be open in a running server at the same time.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.Init("development", opts.logLevel, "console")
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", envOr("LOCAL_STORE_PATH", "./data/device-auth.db"), "path of the bbolt store")
	flags.StringVar(&opts.masterKey, "master-key", os.Getenv("LOCAL_STORE_MASTER_KEY"), "hex master key that wraps the PIN data key")
	flags.StringVarP(&opts.deviceID, "device", "d", "", "device id")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newKeygenCmd(),
		newPinCmd(opts),
		newSessionCmd(opts),
		newMethodCmd(opts),
		newUnlockCmd(opts),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withDevice opens the store, runs fn against the device and closes everything.
func withDevice(opts *options, fn func(d *service.Device) error) error {
	if opts.deviceID == "" {
		return errors.New("--device is required")
	}
	if opts.masterKey == "" {
		return errors.New("--master-key or LOCAL_STORE_MASTER_KEY is required")
	}
	wrapper, err := encryption.NewLocalWrapperFromHex(opts.masterKey)
	if err != nil {
		return err
	}

	store, err := bolt.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	em := encryption.NewEncryptionManager(store, wrapper, util.Named("encryption"))
	defer em.ClearCache()

	registry := service.NewDeviceRegistry(store, em.ForKey("pin"), pin.DefaultPolicy(), opts.clock, nil, util.Named("authctl"))
	defer registry.Close()

	d, err := registry.Device(opts.deviceID)
	if err != nil {
		return fmt.Errorf("device %q: %w", opts.deviceID, err)
	}
	return fn(d)
}
