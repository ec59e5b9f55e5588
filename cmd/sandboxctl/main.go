package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configFlag string
	outputFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "sandboxctl - manage coding agent sandboxes",
	Long: `sandboxctl creates, drives and destroys sandboxes on the configured backend.

Sandboxes are addressed by the id printed by "create". Every other command
reattaches to the sandbox by that id, so sandboxes outlive the CLI process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", formatText, "Output format (text, yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
