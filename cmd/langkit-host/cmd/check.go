package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/binary"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/platform"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe which binary variants can run on this host",
	Long: `Lists the binary variants known for this platform and runs each present
one with a probe flag to see whether its dynamic linkage works here.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := newLogger(settings)

	mgr, err := binary.NewManager(settings, log)
	if err != nil {
		return err
	}

	key := mgr.Key()
	candidates, err := platform.Candidates(key)
	if err != nil {
		return fmt.Errorf("langkit is not available for %s: %w", key, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Candidate", "Present", "Runs")

	anyWorks := false
	for _, name := range candidates {
		path := filepath.Join(mgr.BinariesDir(), name)
		if _, err := os.Stat(path); err != nil {
			table.Append(name, "no", "-")
			continue
		}
		works := platform.ProbeCandidate(path, platform.DefaultProbeTimeout)
		runs := "no"
		if works {
			runs = "yes"
			anyWorks = true
		}
		table.Append(name, "yes", runs)
	}
	table.Render()

	if !anyWorks {
		fmt.Println("\nNo working variant found. Run 'langkit-host run' to download one.")
	}
	return nil
}
