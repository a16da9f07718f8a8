package main

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the "coe config" command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "yaml":
				out, err = yaml.Marshal(cfg)
			case "toml":
				out, err = toml.Marshal(cfg)
			default:
				return fmt.Errorf("unknown format %q (want yaml or toml)", format)
			}
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}

			w := cmd.OutOrStdout()
			if cfg.File != "" {
				fmt.Fprintf(w, "# from %s\n", cfg.File)
			}
			_, err = w.Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml or toml)")
	return cmd
}
