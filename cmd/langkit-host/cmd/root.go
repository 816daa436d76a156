package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/config"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
)

// Version is the host version, set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "langkit-host",
	Short: "Supervisor for the langkit server",
	Long: `langkit-host manages the langkit server binary on behalf of an embedding
application: it downloads and verifies the right build for this platform,
applies updates with rollback, and supervises the running server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.langkit-host/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
}

// loadSettings reads the config file named by --config or the default one.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return nil, err
	}
	return settings, nil
}

// newLogger builds the process logger from settings.
func newLogger(settings *config.Settings) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(settings.LogLevel), settings.LogJSON)
}

// newFileLogger builds a logger that also writes to the host's log
// directory. Falls back to stdout-only when the directory is unusable.
func newFileLogger(settings *config.Settings) *logging.Logger {
	dir, err := config.DefaultDir()
	if err == nil {
		log, ferr := logging.NewFileLogger(filepath.Join(dir, "logs"), "langkit-host",
			logging.ParseLevel(settings.LogLevel), settings.LogJSON)
		if ferr == nil {
			return log
		}
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", ferr)
	}
	return newLogger(settings)
}
