package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GPTx-global/flightsurety-oracle/oracle/config"
	"github.com/GPTx-global/flightsurety-oracle/oracle/daemon"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
)

const flagOverwrite = "overwrite"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "oracled",
		Short:         "Flight status oracle daemon for the FlightSurety registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := config.BindFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newStartCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml to the home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.Path()

			overwrite, _ := cmd.Flags().GetBool(flagOverwrite)
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists, use --%s to replace it", path, flagOverwrite)
			}

			if err := config.WriteDefault(path); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool(flagOverwrite, false, "replace an existing config file")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Register the oracle pool and answer flight status requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := config.Get()

			if err := log.SetLevel(cfg.Log.Level); err != nil {
				return err
			}
			if cfg.Log.File {
				log.ResetLogger(config.Home())
			}
			config.Print()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			if err := d.Start(); err != nil {
				_ = d.Stop()
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			log.Info("oracle daemon running")

			// returns once a signal arrives or a component fails
			if err := d.Wait(); err != nil {
				log.Error("oracle daemon failed", "err", err.Error())
			}

			log.Info("oracle daemon shutting down")
			return d.Stop()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
