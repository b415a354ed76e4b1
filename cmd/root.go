package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/app"
	"github.com/JakeFAU/drive-backup/internal/config"
	"github.com/JakeFAU/drive-backup/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap in
// isolated registries.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, demo bool) (*app.App, error) {
	return app.Build(ctx, cfg, logger, app.Options{Demo: demo})
}

// newRootCmd creates and configures the root command. The returned func
// closes whatever application the command built; call it after Execute, which
// skips post-run hooks when a command fails.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		demo    bool
		built   *app.App
	)
	cmd := &cobra.Command{
		Use:   "drive-backup",
		Short: "Versioned, incremental backups of a cloud drive selection.",
		Long: `drive-backup walks a selection of remote folders and files, downloads
them with bounded parallelism and packs them into numbered zip, tar.gz or 7z
archives. Incremental runs only pack what changed since the last snapshot of
the same selection.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, then build and inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger, demo)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&demo, "demo", false, "use the built-in sample tree and in-memory records")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newRetentionCmd(), newCheckSeriesCmd(), newSnapshotsCmd())

	closeApp := func() {
		if built == nil {
			return
		}
		if err := built.Close(context.Background()); err != nil {
			built.Logger().Warn("Error closing application services", zap.Error(err))
		}
		_ = built.Logger().Sync()
		built = nil
	}
	return cmd, closeApp
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
