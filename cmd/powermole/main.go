// Package main provides the CLI entry point for the powermole instructor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/session"
	"github.com/khr0x40sh/powermolecli/internal/tunnel"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "powermole",
		Short: "powermole - SSH-tunneled remote agent instructor",
		Long: `powermole drives a remote agent through an SSH tunnel chained
over intermediate gateway hosts.

A session runs in exactly one mode: redirecting traffic through the
destination (exit node), forwarding local ports, transferring files,
or executing commands interactively.`,
		Version: Version,
	}

	// The session outcome's exit code is applied here, after Execute has
	// returned and every deferred cleanup inside the command has run.
	exitCode := 0
	rootCmd.AddCommand(runCmd(&exitCode))
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func runCmd(exitCode *int) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an instructor session",
		Long:  "Establish the tunnel and drive the configured session mode until completion or interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cmd.SilenceUsage = true

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			if cfg.Metrics.Enabled {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					srv := &http.Server{
						Addr:              cfg.Metrics.Address,
						Handler:           mux,
						ReadHeaderTimeout: 5 * time.Second,
					}
					logger.Info("metrics listener started", "address", cfg.Metrics.Address)
					if err := srv.ListenAndServe(); err != nil {
						logger.Warn("metrics listener stopped", logging.KeyError, err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialer := tunnel.NewChain(cfg, logger)
			ctrl := session.New(cfg, dialer, logger, metrics.Default(), os.Stdin, os.Stdout)

			res := ctrl.Run(ctx)
			printSummary(os.Stdout, res)

			*exitCode = res.Outcome.ExitCode()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "powermole.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration without opening any connection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			fmt.Printf("Configuration OK\n")
			fmt.Printf("Mode:        %s\n", cfg.Mode)
			fmt.Printf("Destination: %s\n", cfg.Destination.Addr())
			for i, gw := range cfg.Gateways {
				fmt.Printf("Gateway %d:   %s\n", i+1, gw.Addr())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "powermole.yaml", "Path to configuration file")

	return cmd
}
