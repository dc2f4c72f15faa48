// Command cozy-sync is a thin reference caller over synccore.Core. It
// is not a desktop shell -- a real client drives the same Core surface
// from its own process -- but it exercises the full inward command set
// (register, unlink, disk-usage, status, full-sync, start) against a
// real catalog and real sides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cozy-labs/synccore/pkg/logging"
	"github.com/cozy-labs/synccore/pkg/syncconfig"
	"github.com/cozy-labs/synccore/pkg/synccore"
)

var rootConfiguration struct {
	configPath string
}

func loadToken(stateDir string) string {
	data, err := os.ReadFile(filepath.Join(stateDir, "token"))
	if err != nil {
		return ""
	}
	return string(data)
}

func saveToken(stateDir, token string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "token"), []byte(token), 0o600)
}

func loadConfig() (*syncconfig.Config, error) {
	cfg, err := syncconfig.Load(rootConfiguration.configPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}
	if level, ok := logging.NameToLevel(cfg.LogLevel); ok {
		logging.RootLogger.SetLevel(level)
	}
	return cfg, nil
}

var rootCommand = &cobra.Command{
	Use:          "cozy-sync",
	Short:        "Synchronize a local directory with a Cozy remote",
	SilenceUsage: true,
}

var registerCommand = &cobra.Command{
	Use:   "register <location>",
	Short: "Exchange an OAuth authorization code for sync credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		creds, err := synccore.Register(command.Context(), cfg.RemoteURL, cfg.OAuthClientID, cfg.OAuthClientSecret, arguments[0])
		if err != nil {
			return err
		}
		if err := saveToken(cfg.StateDir, creds.Token); err != nil {
			return errors.Wrap(err, "persisting credentials")
		}
		fmt.Println("registered")
		return nil
	},
}

var unlinkCommand = &cobra.Command{
	Use:   "unlink",
	Short: "Forget all local sync state and credentials",
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		core, err := synccore.New(cfg, loadToken(cfg.StateDir), logging.RootLogger)
		if err != nil && errors.Cause(err) != synccore.ErrNotRegistered {
			return err
		}
		if core != nil {
			return core.Unlink()
		}
		return os.RemoveAll(cfg.StateDir)
	},
}

var diskUsageCommand = &cobra.Command{
	Use:   "disk-usage",
	Short: "Report local and remote storage consumption",
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		core, err := synccore.New(cfg, loadToken(cfg.StateDir), logging.RootLogger)
		if err != nil {
			return err
		}
		defer core.Stop()
		usage, err := core.DiskUsage(command.Context())
		if err != nil {
			return err
		}
		fmt.Printf("used: %d quota: %d\n", usage.Used, usage.Quota)
		return nil
	},
}

var statusCommand = &cobra.Command{
	Use:   "status",
	Short: "Report whether the initial scan is done and print recent activity",
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		core, err := synccore.New(cfg, loadToken(cfg.StateDir), logging.RootLogger)
		if err != nil {
			return err
		}
		defer core.Stop()

		// A zero previous index returns immediately with the current
		// index instead of blocking, so this reports the present state
		// rather than waiting on the next transition (see
		// synccore.Core.WaitForChange).
		if _, err := core.WaitForChange(command.Context(), 0); err != nil {
			return err
		}

		fmt.Printf("initial scan complete: %t\n", core.InitialScanComplete())
		for _, entry := range core.History() {
			fmt.Printf("%s  %s  %s\n", entry.Updated.Format("2006-01-02T15:04:05Z07:00"), entry.Kind, entry.Path)
		}
		return nil
	},
}

var fullSyncCommand = &cobra.Command{
	Use:   "full-sync",
	Short: "Reconcile the local tree against the catalog without watching",
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		core, err := synccore.New(cfg, loadToken(cfg.StateDir), logging.RootLogger)
		if err != nil {
			return err
		}
		defer core.Stop()
		return core.FullSynchronize(command.Context())
	},
}

var startCommand = &cobra.Command{
	Use:   "start",
	Short: "Start watching and synchronizing until interrupted",
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.RootLogger.Sublogger("cozy-sync")
		core, err := synccore.New(cfg, loadToken(cfg.StateDir), logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := core.Start(ctx); err != nil {
			return err
		}

		go func() {
			for event := range core.Progress() {
				logger.Printf("%s %s", event.Kind, event.Path)
			}
		}()

		<-ctx.Done()
		return core.Stop()
	},
}

func init() {
	rootCommand.PersistentFlags().StringVar(&rootConfiguration.configPath, "config", "cozy-sync.yml", "path to the sync configuration file")
	rootCommand.AddCommand(registerCommand, unlinkCommand, diskUsageCommand, statusCommand, fullSyncCommand, startCommand)
}

func main() {
	if err := rootCommand.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "cozy-sync:", err)
		os.Exit(1)
	}
}
