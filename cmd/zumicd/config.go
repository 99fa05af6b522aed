package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// FileConfig is the on-disk (JSONC) configuration shape, loaded with
// layered precedence: defaults < global < project < CLI flags (§1.1,
// §5). Field names are snake_case to match the config file convention.
type FileConfig struct {
	DataDir   string `json:"data_dir,omitempty"`
	NumShards int    `json:"num_shards,omitempty"`

	Fsync struct {
		Policy   string `json:"policy,omitempty"` // "always" | "every_n" | "per_interval"
		N        int    `json:"n,omitempty"`
		Interval string `json:"interval,omitempty"` // e.g. "200ms", parsed via time.ParseDuration
	} `json:"fsync,omitempty"`

	Compaction struct {
		EveryRecords int    `json:"every_records,omitempty"`
		Interval     string `json:"interval,omitempty"`
	} `json:"compaction,omitempty"`

	Cluster struct {
		Enabled    bool `json:"enabled,omitempty"`
		Rebalancer struct {
			ImbalanceRatio  float64 `json:"imbalance_ratio,omitempty"`
			HotKeyThreshold int64   `json:"hot_key_threshold,omitempty"`
			BatchSize       int     `json:"batch_size,omitempty"`
		} `json:"rebalancer,omitempty"`
	} `json:"cluster,omitempty"`

	ExpirySweepInterval string `json:"expiry_sweep_interval,omitempty"`
}

// DefaultFileConfig holds the daemon's built-in settings in the
// config-file shape, so an empty or absent config file still produces
// a usable store. They differ from store.Config's zero-value defaults:
// 16 shards instead of 1, and compaction and expiry sweeping enabled.
func DefaultFileConfig() FileConfig {
	cfg := FileConfig{
		DataDir:   "./data",
		NumShards: 16,
	}
	cfg.Fsync.Policy = "always"
	cfg.Compaction.EveryRecords = 10000
	cfg.Compaction.Interval = "5m"
	cfg.ExpirySweepInterval = "1s"
	return cfg
}

// ConfigFileName is the default project config file name.
const ConfigFileName = "zumic.jsonc"

const envConfigHome = "XDG_CONFIG_HOME"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("could not read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errDataDirEmpty       = errors.New("data_dir must not be empty")
)

// ConfigSources records which config files were actually loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults < global user config < project config < CLI flag
// overrides. An explicit -config path is loaded in place of the project
// config file, not layered over it. This mirrors a LoadConfig layering
// pattern generalized from a single ticket_dir/editor pair to Zumic's
// storage-engine knobs.
func LoadConfig(workDir, configPath string, cliOverrides FileConfig, overridden map[string]bool, env []string) (FileConfig, ConfigSources, error) {
	cfg := DefaultFileConfig()
	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return FileConfig{}, ConfigSources{}, err
	}
	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return FileConfig{}, ConfigSources{}, err
	}
	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg = applyCLIOverrides(cfg, cliOverrides, overridden)

	if err := validateConfig(cfg); err != nil {
		return FileConfig{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, envConfigHome+"="); ok {
			return filepath.Join(after, "zumic", "config.jsonc")
		}
	}

	if xdg := os.Getenv(envConfigHome); xdg != "" {
		return filepath.Join(xdg, "zumic", "config.jsonc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "zumic", "config.jsonc")
}

func loadGlobalConfig(env []string) (FileConfig, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return FileConfig{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return FileConfig{}, "", err
	}
	if !loaded {
		return FileConfig{}, "", nil
	}
	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (FileConfig, string, error) {
	var cfgFile string
	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}
		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return FileConfig{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return FileConfig{}, "", err
	}
	if !loaded {
		return FileConfig{}, "", nil
	}
	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (FileConfig, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not request input
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return FileConfig{}, false, nil
		}
		if mustExist {
			return FileConfig{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}
		return FileConfig{}, false, nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return FileConfig{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (FileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return FileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay FileConfig) FileConfig {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}
	if overlay.NumShards != 0 {
		base.NumShards = overlay.NumShards
	}
	if overlay.Fsync.Policy != "" {
		base.Fsync = overlay.Fsync
	}
	if overlay.Compaction.EveryRecords != 0 || overlay.Compaction.Interval != "" {
		base.Compaction = overlay.Compaction
	}
	if overlay.Cluster.Enabled {
		base.Cluster = overlay.Cluster
	}
	if overlay.ExpirySweepInterval != "" {
		base.ExpirySweepInterval = overlay.ExpirySweepInterval
	}
	return base
}

// applyCLIOverrides applies flag values for exactly the flags the
// operator actually set (tracked in overridden), so an unset pflag's
// zero value never clobbers a config-file setting.
func applyCLIOverrides(base, cli FileConfig, overridden map[string]bool) FileConfig {
	if overridden["data-dir"] {
		base.DataDir = cli.DataDir
	}
	if overridden["num-shards"] {
		base.NumShards = cli.NumShards
	}
	if overridden["cluster"] {
		base.Cluster.Enabled = cli.Cluster.Enabled
	}
	return base
}

func validateConfig(cfg FileConfig) error {
	if cfg.DataDir == "" {
		return errDataDirEmpty
	}
	return nil
}

// parseDuration parses a config-file duration string, treating an empty
// string as "no value" rather than an error.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q: %w", errConfigInvalid, s, err)
	}
	return d, nil
}

// FormatConfig renders cfg as indented JSON.
func FormatConfig(cfg FileConfig) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}
	return string(data), nil
}
