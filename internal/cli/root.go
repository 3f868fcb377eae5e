// Package cli implements the deckctl maintenance commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "0.1.0-dev"

var (
	configPath string
	formatFlag string
	verbose    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "deckctl",
	Short:         "Inspect and maintain a slide deck player",
	Long:          "Validates courses and plugins, inspects stored progress, LMS data and attempt journals, and drives running players over NATS.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "deck.yaml", "Path to player configuration")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log component output to stderr")

	RootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
}

// loadConfig reads the configuration file. A missing file is tolerated when
// --config was not given, so the tool works against defaults and DECK_*
// variables alone.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		path = ""
	}
	return config.Load(path)
}

func logger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// emit prints v as indented JSON, or through text when --format=text.
func emit(cmd *cobra.Command, v any, text func(io.Writer)) error {
	out := cmd.OutOrStdout()
	if formatFlag == "text" && text != nil {
		text(out)
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
