package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/binary"
)

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the server binary to the latest release",
	Long: `Checks the release endpoint for a newer version and applies it as a
transaction: the current binary is backed up first and restored unchanged
if anything about the download fails.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := newLogger(settings)

	mgr, err := binary.NewManager(settings, log)
	if err != nil {
		return err
	}

	updated, err := mgr.Update(cmd.Context())
	if err != nil {
		return err
	}
	if !updated {
		fmt.Println("Already up to date.")
		return nil
	}
	fmt.Printf("Updated to version %s.\n", settings.LastKnownVersion)
	return nil
}
