// Command osa runs the OSA agent core: an autonomous, multi-channel
// AI agent runtime exposed over HTTP with per-session SSE streaming.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osa-ai/osa/internal/config"
	osasignal "github.com/osa-ai/osa/internal/signal"
)

var version = "0.4.0"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "osa",
		Short:         "OSA agent core runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (json5 or yaml)")

	rootCmd.AddCommand(buildServeCmd(&configPath))
	rootCmd.AddCommand(buildClassifyCmd(&configPath))
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent core and HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			app, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func buildClassifyCmd(configPath *string) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a message and print its signal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classifier := osasignal.New(osasignal.Config{}, nil)
			sig := classifier.Classify(cmd.Context(), channel, args[0], "")
			out, err := json.MarshalIndent(sig, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "cli", "channel name for format derivation")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("osa", version)
		},
	}
}
