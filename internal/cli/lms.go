package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/loqalabs/loqa-deck/internal/scorm"
	"github.com/spf13/cobra"
)

func init() {
	lmsCmd := &cobra.Command{
		Use:   "lms",
		Short: "Inspect the local SCORM data model",
	}
	lmsCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the committed data model of the configured learner",
		Args:  cobra.NoArgs,
		RunE:  runLMSDump,
	})
	lmsCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete the configured learner's data model",
		Args:  cobra.NoArgs,
		RunE:  runLMSReset,
	})
	RootCmd.AddCommand(lmsCmd)
}

func openLMS(cmd *cobra.Command) (*scorm.Local, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.LMS.Mode != "local" {
		return nil, fmt.Errorf("lms.mode is %q; only the local data model can be inspected", cfg.LMS.Mode)
	}
	return scorm.OpenLocal(ctxOf(cmd), cfg.LMS, logger(cmd))
}

func runLMSDump(cmd *cobra.Command, _ []string) error {
	lms, err := openLMS(cmd)
	if err != nil {
		return err
	}
	defer lms.Close()

	values, err := lms.Dump(ctxOf(cmd))
	if err != nil {
		return err
	}
	return emit(cmd, values, func(w io.Writer) {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s = %s\n", k, values[k])
		}
	})
}

func runLMSReset(cmd *cobra.Command, _ []string) error {
	lms, err := openLMS(cmd)
	if err != nil {
		return err
	}
	defer lms.Close()
	if err := lms.Reset(ctxOf(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "lms data cleared")
	return nil
}
