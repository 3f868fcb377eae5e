package cli

import (
	"fmt"
	"io"

	"github.com/loqalabs/loqa-deck/internal/progress"
	"github.com/spf13/cobra"
)

type progressReport struct {
	Key    string `json:"key"`
	Stored bool   `json:"stored"`
	Raw    string `json:"raw,omitempty"`
	Slide  int    `json:"slide,omitempty"`
}

func init() {
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or clear the remembered slide",
	}
	progressCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the remembered slide",
		Args:  cobra.NoArgs,
		RunE:  runProgressShow,
	})
	progressCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the remembered slide",
		Args:  cobra.NoArgs,
		RunE:  runProgressReset,
	})
	RootCmd.AddCommand(progressCmd)
}

func openProgress(cmd *cobra.Command) (*progress.SQLite, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return progress.Open(ctxOf(cmd), cfg.Progress, logger(cmd))
}

func runProgressShow(cmd *cobra.Command, _ []string) error {
	store, err := openProgress(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	raw, ok, err := store.Raw(ctxOf(cmd))
	if err != nil {
		return err
	}
	report := progressReport{Key: store.Key(), Stored: ok, Raw: raw}
	if ok {
		report.Slide = progress.ParseIndex(raw) + 1
	}
	return emit(cmd, report, func(w io.Writer) {
		if !ok {
			fmt.Fprintln(w, "no progress stored")
			return
		}
		fmt.Fprintf(w, "slide %d (stored %q)\n", report.Slide, raw)
	})
}

func runProgressReset(cmd *cobra.Command, _ []string) error {
	store, err := openProgress(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Reset(ctxOf(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "progress cleared")
	return nil
}
