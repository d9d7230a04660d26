package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Default returns the built-in configuration, matching the provider's public
// endpoints and a conservative monitor-only policy.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			GraphQLURL: "https://api.runpod.io/graphql",
			RESTURL:    "https://rest.runpod.io/v1",
			Timeout:    model.Duration(30 * time.Second),
			MaxRetries: 3,
			RetryDelay: model.Duration(time.Second),
		},
		AutoStop: AutoStopConfig{
			Enabled:        false,
			MonitorOnly:    true,
			Interval:       model.Duration(60 * time.Second),
			CooldownCycles: 3,
			Thresholds: ThresholdConfig{
				CPUPercent:    1,
				MemoryPercent: 1,
				GPUPercent:    1,
				Duration:      model.Duration(time.Hour),
			},
			NoChange: NoChangeConfig{
				Enabled: false,
				Epsilon: 0.5,
				Window:  5,
			},
		},
		Storage: StorageConfig{
			Path: "./data/podminder.db",
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// Load reads configuration from the YAML file at path, applies environment
// overrides, and validates the result. Called at the start of every collection
// cycle so edits take effect without a restart; on error the caller keeps the
// previous valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	klog.V(4).InfoS("Loaded configuration",
		"path", path,
		"autoStopEnabled", cfg.AutoStop.Enabled,
		"monitorOnly", cfg.AutoStop.MonitorOnly,
		"interval", cfg.Interval(),
		"idleDuration", time.Duration(cfg.AutoStop.Thresholds.Duration),
		"excluded", len(cfg.AutoStop.ExcludeIDs))

	return cfg, nil
}

// LoadOrDefault behaves like Load when a file exists at path, and otherwise
// validates the built-in defaults plus environment overrides. Commands run
// without a config file this way; the API key still has to arrive from the
// environment for the result to validate.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		klog.V(2).InfoS("Config file not found, using defaults", "path", path)
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadForStorage resolves only the storage settings: file values when the
// file parses, built-in defaults otherwise, PODMINDER_DB_PATH always winning.
// Commands that never talk to the provider use this, so a missing API key
// cannot block a local export.
func LoadForStorage(path string) StorageConfig {
	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			klog.ErrorS(err, "Failed to parse config file, using default storage settings", "path", path)
			cfg = Default()
		}
	}
	cfg.Storage.Path = getEnvOrDefault("PODMINDER_DB_PATH", cfg.Storage.Path)
	return cfg.Storage
}

// EditExclusion flips id's membership in the exclude list of the file at
// path, working on the raw document so environment overrides never leak into
// the saved file. A missing file is not an error: the store remains the
// durable exclusion set, the file only seeds it. Reports whether the file
// changed.
func EditExclusion(path, id string, excluded bool) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %v", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config file: %v", err)
	}

	var changed bool
	if excluded {
		changed = cfg.AddExclusion(id)
	} else {
		changed = cfg.RemoveExclusion(id)
	}
	if !changed {
		return false, nil
	}
	return true, cfg.Save(path)
}

// Save writes the configuration back to path atomically (temp file + rename),
// preserving exclusion edits across restarts.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".podminder-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp config file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp config file: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace config file: %v", err)
	}
	return nil
}

// AddExclusion appends id to the exclude list. Returns false if already present.
func (c *Config) AddExclusion(id string) bool {
	if slices.Contains(c.AutoStop.ExcludeIDs, id) {
		return false
	}
	c.AutoStop.ExcludeIDs = append(c.AutoStop.ExcludeIDs, id)
	return true
}

// RemoveExclusion drops id from the exclude list. Returns false if absent.
func (c *Config) RemoveExclusion(id string) bool {
	i := slices.Index(c.AutoStop.ExcludeIDs, id)
	if i < 0 {
		return false
	}
	c.AutoStop.ExcludeIDs = slices.Delete(c.AutoStop.ExcludeIDs, i, i+1)
	return true
}

func applyEnvOverrides(cfg *Config) {
	cfg.Provider.APIKey = getEnvOrDefault("RUNPOD_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.GraphQLURL = getEnvOrDefault("PODMINDER_GRAPHQL_URL", cfg.Provider.GraphQLURL)
	cfg.Provider.RESTURL = getEnvOrDefault("PODMINDER_REST_URL", cfg.Provider.RESTURL)
	cfg.Storage.Path = getEnvOrDefault("PODMINDER_DB_PATH", cfg.Storage.Path)
	cfg.Server.ListenAddr = getEnvOrDefault("PODMINDER_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.AutoStop.Interval = getModelDurationOrDefault("PODMINDER_INTERVAL", cfg.AutoStop.Interval)
	cfg.AutoStop.MonitorOnly = getBoolOrDefault("PODMINDER_MONITOR_ONLY", cfg.AutoStop.MonitorOnly)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getModelDurationOrDefault(key string, defaultValue model.Duration) model.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := model.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
