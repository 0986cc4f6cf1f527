package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cloudcache/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory and a default settings file",
	Long: `Create the config directory and write the default settings.yaml.
An existing settings file is left untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings: %s\n", config.SettingsPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
