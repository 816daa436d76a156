package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print host and server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("langkit-host %s\n", Version)
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if settings.LastKnownVersion != "" {
			fmt.Printf("langkit server %s\n", settings.LastKnownVersion)
		} else {
			fmt.Println("langkit server not installed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
