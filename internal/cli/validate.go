package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/plugin"
	"github.com/loqalabs/loqa-deck/internal/plugin/builtin"
	"github.com/loqalabs/loqa-deck/internal/plugin/wasm"
	"github.com/spf13/cobra"
)

type courseReport struct {
	Title   string   `json:"title"`
	Slides  int      `json:"slides"`
	Plugins []string `json:"plugins"`
	Missing []string `json:"missing,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "validate [course.yaml]",
		Short: "Check a course file and the plugins its hooks reference",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.CoursePath
	if len(args) == 1 {
		path = args[0]
	}
	course, err := config.LoadCourse(path)
	if err != nil {
		return err
	}

	reg, closeLoader, err := buildRegistry(ctxOf(cmd), cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLoader()

	report := courseReport{Title: course.Title, Slides: course.Total(), Plugins: reg.Names()}
	for _, m := range plugin.NewRunner(reg, course.Slides, logger(cmd)).Validate() {
		report.Missing = append(report.Missing, m.String())
	}
	if err := emit(cmd, report, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %d slides\n", report.Title, report.Slides)
		for _, m := range report.Missing {
			fmt.Fprintln(w, m)
		}
	}); err != nil {
		return err
	}
	if len(report.Missing) > 0 {
		return fmt.Errorf("%d hook(s) reference unknown plugins", len(report.Missing))
	}
	return nil
}

// buildRegistry registers the builtin plugins and any wasm plugins found in
// the configured directory.
func buildRegistry(ctx context.Context, cmd *cobra.Command, cfg config.Config) (*plugin.Registry, func(), error) {
	reg := plugin.NewRegistry()
	if err := builtin.Register(reg, nil); err != nil {
		return nil, nil, err
	}
	if cfg.Plugins.WASMDirectory == "" {
		return reg, func() {}, nil
	}
	loader, err := wasm.NewLoader(ctx, wasm.Options{Logger: logger(cmd)})
	if err != nil {
		return nil, nil, err
	}
	if _, err := loader.Discover(ctx, cfg.Plugins.WASMDirectory, reg); err != nil {
		_ = loader.Close(ctx)
		return nil, nil, err
	}
	return reg, func() { _ = loader.Close(ctx) }, nil
}
