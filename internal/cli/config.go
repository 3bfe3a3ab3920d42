package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ordinaut/ordinaut/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the ordinaut.toml configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default ordinaut.toml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, not overwriting", path)
		}
		if err := config.GenerateDefault(path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		cfg, err := config.Load(path, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "configuration OK (listening on %s)\n", cfg.Address())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		cfg, err := config.Load(path, nil)
		if err != nil {
			return err
		}
		red := cfg.Redacted()
		out, err := red.ToTOML()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{configInitCmd, configValidateCmd, configShowCmd} {
		c.Flags().String("path", "ordinaut.toml", "Path to the config file")
		configCmd.AddCommand(c)
	}
}
