package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devloop/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and environment overrides are
applied. Credentials are masked.`,
		Example: `  devloop config show
  devloop -c devloop.cue config show -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return showConfig(cmd.OutOrStdout(), cfg.Redacted(), outputFormat)
		},
	}
}

func showConfig(w io.Writer, cfg *config.Config, format string) error {
	var (
		data []byte
		err  error
	)
	if format == formatJSON {
		data, err = config.ExportJSON(cfg)
		data = append(data, '\n')
	} else {
		data, err = config.ExportYAML(cfg)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the CUE schema and the field
constraints. The path defaults to the --config flag.`,
		Example: `  devloop config validate devloop.cue
  devloop config validate deploy/devloop.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given")
			}
			return validateConfig(cmd.OutOrStdout(), config.NewParser(), path)
		},
	}
}

// validateConfig reports every problem of the file at path. The error only
// says how many were found; the details go to w.
func validateConfig(w io.Writer, parser *config.Parser, path string) error {
	pc, err := parser.ParseFile(path)
	if err != nil {
		return err
	}

	report := struct {
		Source string                  `json:"source"`
		Format config.Format           `json:"format"`
		Valid  bool                    `json:"valid"`
		Errors config.ValidationErrors `json:"errors,omitempty"`
	}{
		Source: pc.SourceFile,
		Format: pc.Format,
		Valid:  len(pc.Errors) == 0,
		Errors: pc.Errors,
	}

	if err := render(w, outputFormat, report, func(w io.Writer) error {
		if report.Valid {
			_, err := fmt.Fprintf(w, "%s: configuration is valid\n", path)
			return err
		}
		for _, e := range pc.Errors {
			if _, err := fmt.Fprintln(w, e.String()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if !report.Valid {
		return fmt.Errorf("%s: %d configuration error(s)", path, len(pc.Errors))
	}
	return nil
}
