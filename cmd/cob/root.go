package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cob-systems/cob/internal/cache"
	"github.com/cob-systems/cob/internal/config"
	"github.com/cob-systems/cob/internal/crdt"
	"github.com/cob-systems/cob/internal/crdt/lww"
	"github.com/cob-systems/cob/internal/gitstore"
	"github.com/cob-systems/cob/internal/hooks"
	"github.com/cob-systems/cob/internal/lock"
	"github.com/cob-systems/cob/internal/logx"
	"github.com/cob-systems/cob/internal/object"
)

var (
	jsonOutput bool
	storeDir   string
	identityID string
)

var rootCmd = &cobra.Command{
	Use:           "cob",
	Short:         "Collaborative object storage and merge core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if storeDir == "" {
			storeDir = config.GetString("store.dir")
		}
		logx.Init(logx.Options{JSON: jsonOutput})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of styled text")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store-dir", "", "content-addressed store directory (default: store.dir from config)")
	rootCmd.PersistentFlags().StringVar(&identityID, "identity", "", "path to the local identity file (default: <store-dir>/../identity.toml)")

	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(syncCmd)
}

// appContext bundles everything a subcommand needs: the wired object
// store plus the local signing identity it authors changes as.
type appContext struct {
	store *object.Store
	gs    gitstore.Store
	ident *localIdentity
}

func newAppContext() (*appContext, error) {
	if err := os.MkdirAll(storeDir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	gs, err := gitstore.NewFSStore(storeDir)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	identPath := identityID
	if identPath == "" {
		identPath = filepath.Join(filepath.Dir(storeDir), "identity.toml")
	}
	ident, registry, err := loadOrCreateIdentity(gs, identPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	engines := crdt.NewRegistry()
	engines.Register(lww.New())

	lockDir := config.GetString("lock.dir")
	if !filepath.IsAbs(lockDir) {
		lockDir = filepath.Join(filepath.Dir(storeDir), filepath.Base(lockDir))
	}
	if err := os.MkdirAll(lockDir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	locks := lock.NewManager(lockDir)

	var docCache *cache.Cache
	if !config.GetBool("cache.disabled") {
		cachePath := config.GetString("cache.path")
		if !filepath.IsAbs(cachePath) {
			cachePath = filepath.Join(filepath.Dir(storeDir), filepath.Base(cachePath))
		}
		docCache, err = cache.Open(cachePath)
		if err != nil {
			return nil, fmt.Errorf("open document cache: %w", err)
		}
	}

	store := object.New(gs, registry, engines, locks, docCache)
	if !config.GetBool("hooks.disabled") {
		hooksDir := config.GetString("hooks.dir")
		if !filepath.IsAbs(hooksDir) {
			hooksDir = filepath.Join(filepath.Dir(storeDir), filepath.Base(hooksDir))
		}
		store = store.WithHooks(hooks.NewRunner(hooksDir))
	}

	return &appContext{
		store: store,
		gs:    gs,
		ident: ident,
	}, nil
}

func lockTimeout() time.Duration {
	d := config.GetDuration("lock.timeout")
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
