package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/causalrepo/internal/server/config"
	"github.com/iudanet/causalrepo/internal/server/handlers"
	"github.com/iudanet/causalrepo/internal/validation"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// flags - значения командной строки, переопределяющие файл конфигурации
type flags struct {
	configPath string
	listen     string
	store      string
	dbPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "causalrepo-server",
		Short:         "Causal repo sync server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to YAML config file")
	root.Flags().StringVar(&f.listen, "listen", "", "listen address (overrides config)")
	root.Flags().StringVar(&f.store, "store", "", "store driver: sqlite, bolt or redis (overrides config)")
	root.Flags().StringVar(&f.dbPath, "db", "", "database file for sqlite and bolt (overrides config)")

	root.AddCommand(newTokenCmd(&f), newVersionCmd())
	return root
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.store != "" {
		cfg.Store.Driver = f.store
	}
	if f.dbPath != "" {
		cfg.Store.Path = f.dbPath
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newTokenCmd выпускает токен устройства тем же секретом, что использует сервер
func newTokenCmd(f *flags) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <username> <device-id>",
		Short: "Issue a device token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, deviceID := args[0], args[1]
			if err := validation.ValidateUsername(username); err != nil {
				return err
			}
			if err := validation.ValidateDeviceID(deviceID); err != nil {
				return err
			}

			cfg, err := loadConfig(*f)
			if err != nil {
				return err
			}

			jwtCfg := handlers.JWTConfig{
				Secret:   []byte(cfg.Auth.JWTSecret),
				TokenTTL: time.Duration(cfg.Auth.TokenTTL),
			}
			if ttl > 0 {
				jwtCfg.TokenTTL = ttl
			}

			token, claims, err := handlers.GenerateDeviceToken(jwtCfg, username, deviceID)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "session %s, expires %s\n",
				claims.SessionID, claims.ExpiresAt.Time.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Causal Repo Server\n")
			fmt.Fprintf(out, "Version:    %s\n", Version)
			fmt.Fprintf(out, "Build Date: %s\n", BuildDate)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		},
	}
}
