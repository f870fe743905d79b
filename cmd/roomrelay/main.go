// roomrelay pairs command-executing agents with remote controllers in rooms
// and relays runs and their lifecycle events between them.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/markus-barta/roomrelay/internal/config"
	"github.com/markus-barta/roomrelay/internal/logging"
	"github.com/markus-barta/roomrelay/internal/pairing"
	"github.com/markus-barta/roomrelay/internal/server"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/markus-barta/roomrelay/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := config.New()
	if err := newRootCmd(v).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "roomrelay",
		Short:         "Room-scoped command relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "log format: console or json")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			return nil
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	root.AddCommand(newServeCmd(v), newVersionCmd(), newHashSecretCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(v)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)

			log.Info().
				Str("version", version.Info()).
				Str("db", cfg.DatabasePath).
				Bool("metrics", cfg.MetricsEnabled).
				Msg("roomrelay starting")

			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				log.Warn().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
			}

			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer func() { _ = db.Close() }()

			tel := telemetry.Init(telemetry.Config{Enabled: cfg.MetricsEnabled})
			defer func() { _ = tel.Shutdown(context.Background()) }()

			srv, err := server.New(cfg, store.New(log, db), log, tel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().String("listen", ":8000", "listen address")
	cmd.Flags().String("data-dir", "/data", "data directory")
	cmd.Flags().String("db-path", "", "database path (default <data-dir>/roomrelay.db)")
	cmd.Flags().Bool("metrics", false, "expose /debug/metrics")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = v.BindPFlag("db_path", cmd.Flags().Lookup("db-path"))
	_ = v.BindPFlag("metrics_enabled", cmd.Flags().Lookup("metrics"))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roomrelay %s (built %s)\n", version.Info(), version.BuildTime)
		},
	}
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a room secret (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}

			hash, err := pairing.NewBcryptVerifier().Hash(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
