// Command amqpd serves AMQP 1.0 connections through a registered protocol
// engine and one of the bundled brokers.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/ericogr/amqp-plug/pkg/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "amqpd",
		Short:        "AMQP 1.0 adapter server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("AMQPD_CONFIG"), "Path to the TOML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept AMQP connections until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, os.Stderr)
		},
	}
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := amqp.LookupEngine(cfg.Server.Engine); err != nil {
				return err
			}
			a := cfg.AMQP()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:     %s (%s)\n", cfg.Server.Listen, cfg.Server.Transport)
			fmt.Fprintf(out, "engine:     %s\n", cfg.Server.Engine)
			fmt.Fprintf(out, "broker:     %s\n", cfg.Broker.Kind)
			fmt.Fprintf(out, "credit:     %d (replenish below %.0f)\n", a.CreditGrant, float64(a.CreditGrant)*a.ReplenishRatio)
			fmt.Fprintf(out, "writes:     max %d pending, drain %s\n", a.MaxPendingWrites, a.WriteDrainTimeout)
			fmt.Fprintf(out, "idle:       %s\n", a.IdleTimeout)
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
	configCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)

	enginesCmd := &cobra.Command{
		Use:   "engines",
		Short: "List the registered protocol engines",
		Run: func(cmd *cobra.Command, args []string) {
			names := amqp.Engines()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no engines registered")
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
		},
	}
	rootCmd.AddCommand(enginesCmd)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
