package cli

import (
	"fmt"
	"io"

	"github.com/loqalabs/loqa-deck/internal/plugin/wasm"
	"github.com/spf13/cobra"
)

func init() {
	pluginCmd := &cobra.Command{
		Use:   "plugin",
		Short: "Work with wasm slide plugins",
	}
	pluginCmd.AddCommand(&cobra.Command{
		Use:   "validate <plugin.yaml>...",
		Short: "Validate plugin manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPluginValidate,
	})
	pluginCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the plugins a player would register",
		Args:  cobra.NoArgs,
		RunE:  runPluginList,
	})
	RootCmd.AddCommand(pluginCmd)
}

func runPluginValidate(cmd *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		m, err := wasm.LoadManifest(path)
		if err == nil {
			err = wasm.ValidateManifest(m)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s valid\n", path, m.Metadata.Name, m.Metadata.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d manifest(s) invalid", failed)
	}
	return nil
}

func runPluginList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, closeLoader, err := buildRegistry(ctxOf(cmd), cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLoader()
	names := reg.Names()
	return emit(cmd, names, func(w io.Writer) {
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}
