package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultGitHubRepo is the release source for the langkit application.
const DefaultGitHubRepo = "tassa-yoniso-manasi-karoto/langkit"

// Settings holds all host configuration. Components receive the fields they
// need at construction; nothing shares a raw config map.
type Settings struct {
	GitHubRepo            string
	BinaryPath            string // explicit override, skips discovery
	BinariesDir           string
	LastKnownVersion      string
	DownloadTimeout       time.Duration
	ProcessStartupTimeout time.Duration
	ConfigPollInterval    time.Duration
	ConfigPollTimeout     time.Duration
	ControlAddr           string
	LogLevel              string
	LogJSON               bool

	v *viper.Viper
}

// DefaultDir returns the host's state directory ($HOME/.langkit-host).
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".langkit-host"), nil
}

// Load reads settings from the given config file, or from the default
// location when cfgFile is empty. A missing config file is not an error;
// defaults apply.
func Load(cfgFile string) (*Settings, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		cfgFile = filepath.Join(dir, "config.yaml")
	}

	v.SetEnvPrefix("LANGKIT_HOST")
	v.AutomaticEnv()

	v.SetDefault("github_repo", DefaultGitHubRepo)
	v.SetDefault("download_timeout", 300.0)
	v.SetDefault("process_startup_timeout", 30.0)
	v.SetDefault("config_poll_interval", 0.5)
	v.SetDefault("config_poll_timeout", 10.0)
	v.SetDefault("control_addr", "127.0.0.1:8572")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
		// No config file yet; write one on the first Save
		v.SetConfigFile(cfgFile)
	}

	s := &Settings{
		GitHubRepo:            v.GetString("github_repo"),
		BinaryPath:            v.GetString("binary_path"),
		BinariesDir:           v.GetString("binaries_dir"),
		LastKnownVersion:      v.GetString("last_known_version"),
		DownloadTimeout:       secondsToDuration(v.GetFloat64("download_timeout")),
		ProcessStartupTimeout: secondsToDuration(v.GetFloat64("process_startup_timeout")),
		ConfigPollInterval:    secondsToDuration(v.GetFloat64("config_poll_interval")),
		ConfigPollTimeout:     secondsToDuration(v.GetFloat64("config_poll_timeout")),
		ControlAddr:           v.GetString("control_addr"),
		LogLevel:              v.GetString("log_level"),
		LogJSON:               v.GetBool("log_json"),
		v:                     v,
	}

	if s.BinariesDir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		s.BinariesDir = filepath.Join(dir, "binaries")
	}

	return s, nil
}

// SetLastKnownVersion updates the persisted version marker and writes the
// config file.
func (s *Settings) SetLastKnownVersion(version string) error {
	s.LastKnownVersion = version
	if s.v == nil {
		return nil
	}
	s.v.Set("last_known_version", version)
	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist version %s: %w", version, err)
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
