package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/binary"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/platform"
)

var statusRemote bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show platform, artifact and version state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "also query the release endpoint for a newer version")
}

// Status is the local artifact state shown by the status command.
type Status struct {
	Platform         string `json:"platform" yaml:"platform"`
	Artifact         string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Supported        bool   `json:"supported" yaml:"supported"`
	BinaryPresent    bool   `json:"binary_present" yaml:"binary_present"`
	BinaryPath       string `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty" yaml:"installed_version,omitempty"`
	LatestVersion    string `json:"latest_version,omitempty" yaml:"latest_version,omitempty"`
	UpdateAvailable  bool   `json:"update_available" yaml:"update_available"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := newLogger(settings)

	mgr, err := binary.NewManager(settings, log)
	if err != nil {
		return err
	}

	st := Status{
		Platform:         mgr.Key().String(),
		InstalledVersion: settings.LastKnownVersion,
	}
	if artifact, err := mgr.ArtifactName(); err == nil {
		st.Artifact = artifact
		st.Supported = true
	} else if err == platform.ErrUnsupported {
		st.Supported = false
	}
	if path, ok := mgr.PathIfExists(); ok {
		st.BinaryPresent = true
		st.BinaryPath = path
	}
	if statusRemote && st.Supported {
		if latest, ok := mgr.CheckForUpdate(); ok {
			st.LatestVersion = latest
			st.UpdateAvailable = true
		}
	}

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		out, err := yaml.Marshal(st)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	default:
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Platform", st.Platform)
		table.Append("Supported", fmt.Sprintf("%t", st.Supported))
		table.Append("Artifact", st.Artifact)
		table.Append("Binary present", fmt.Sprintf("%t", st.BinaryPresent))
		table.Append("Binary path", st.BinaryPath)
		table.Append("Installed version", st.InstalledVersion)
		if statusRemote {
			latest := st.LatestVersion
			if latest == "" {
				latest = "(up to date)"
			}
			table.Append("Latest version", latest)
		}
		table.Render()
		return nil
	}
}
