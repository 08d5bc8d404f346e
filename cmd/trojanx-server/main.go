// Command trojanx-server runs a Trojan tunneling proxy node backed by an
// SSPanel-style control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/trojanx/internal/config"
	"github.com/shadowmesh/trojanx/internal/logging"
	"github.com/shadowmesh/trojanx/internal/server"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "trojanx-server [config]",
		Short:         "Run a Trojan proxy node against an SSPanel-style control plane",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			return run(cmd.Context(), configPath, logLevel)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, error, or fatal")
	root.AddCommand(newVersionCmd())
	root.AddCommand(newConfigCmd(&configPath))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect the server configuration"}

	show := &cobra.Command{
		Use:   "show [config]",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.json"
			if *configPath != "" {
				path = *configPath
			}
			if len(args) > 0 {
				path = args[0]
			}
			c, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cfgCmd.AddCommand(show)
	return cfgCmd
}

func run(ctx context.Context, configPath, logLevel string) error {
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New("server", logging.ParseLevel(logLevel), "")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting", logging.Fields{"version": version, "node_id": cfg.ID})
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info("shut down cleanly")
	return nil
}
