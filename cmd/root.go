// Package cmd wires the CLI commands for partnergate.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/estvita/partnergate/internal/authflow"
	"github.com/estvita/partnergate/internal/browser"
	"github.com/estvita/partnergate/internal/config"
	"github.com/estvita/partnergate/internal/observability"
	"github.com/estvita/partnergate/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "partnergate",
	Short: "Browser-driven partner portal authentication",
	Long: `partnergate signs into a partner portal with a real browser, walking
through challenge widgets, login/password forms and SMS verification, and
captures the resulting cookies and web storage as a reusable session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initApp(cmd)
	},
}

// Execute runs the CLI with the given base context.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./partnergate.yaml)")
	rootCmd.PersistentFlags().Bool("headed", false,
		"run the browser with a visible window")
	rootCmd.PersistentFlags().String("log-level", "",
		"override the configured log level (debug, info, warn, error)")
}

// initApp loads configuration and initializes the logger. Runs before every
// command so subcommands can assume config.Get() works.
func initApp(cmd *cobra.Command) error {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("partnergate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.partnergate")
	}

	v.SetEnvPrefix("PARTNERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default config is fine; a missing explicit one is not.
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if headed, _ := cmd.Flags().GetBool("headed"); headed {
		v.Set("browser.headless", false)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		v.Set("logger.level", level)
	}

	if err := config.Load(v); err != nil {
		return err
	}
	observability.InitializeLogger(config.Get().Logger)
	return nil
}

// newStore builds the configured store backend.
func newStore(ctx context.Context) (store.Store, error) {
	cfg := config.Get()
	logger := observability.GetLogger()
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedis(ctx, cfg.Store.Redis, logger)
	default:
		return store.NewMemory(), nil
	}
}

// newFacade assembles the session facade over the given store.
func newFacade(st store.Store) *authflow.Facade {
	cfg := config.Get()
	logger := observability.GetLogger()

	opts := authflow.DefaultOptions()
	opts.KeyPrefix = cfg.Store.KeyPrefix
	opts.StatusTTL = cfg.Store.StatusTTL
	opts.OTPTTL = cfg.Store.OTPTTL
	opts.DebugDumps = cfg.Auth.DebugDumps
	opts.DebugDumpDir = cfg.Auth.DebugDumpDir

	launch := func(ctx context.Context) (authflow.Driver, error) {
		return browser.Launch(ctx, cfg.Browser, logger)
	}
	return authflow.NewFacade(st, launch, logger, opts, cfg.Auth.MaxConcurrentSessions)
}
