package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// ErrInvalidPolicy marks a rejected configuration change. Callers keep the
// previous valid policy active when Load returns an error wrapping this.
var ErrInvalidPolicy = errors.New("invalid policy")

// MinIdleDuration is the smallest accepted idle confirmation duration.
const MinIdleDuration = 60 * time.Second

// MinInterval is the fastest supported collection cadence.
const MinInterval = 5 * time.Second

// Config holds all configuration for pod-minder
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	AutoStop AutoStopConfig `yaml:"autostop"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
}

// ProviderConfig holds configuration for the fleet API
type ProviderConfig struct {
	APIKey     string         `yaml:"apiKey"`
	GraphQLURL string         `yaml:"graphqlUrl"`
	RESTURL    string         `yaml:"restUrl"`
	Timeout    model.Duration `yaml:"timeout"`
	MaxRetries int            `yaml:"maxRetries"`
	RetryDelay model.Duration `yaml:"retryDelay"`
}

// AutoStopConfig holds the idle policy and cadence settings
type AutoStopConfig struct {
	Enabled        bool            `yaml:"enabled"`
	MonitorOnly    bool            `yaml:"monitorOnly"`
	Interval       model.Duration  `yaml:"interval"`
	CooldownCycles int             `yaml:"cooldownCycles"`
	Thresholds     ThresholdConfig `yaml:"thresholds"`
	NoChange       NoChangeConfig  `yaml:"noChange"`
	ExcludeIDs     []string        `yaml:"exclude"`
}

// ThresholdConfig holds the per-resource idle thresholds. An instance is
// idle-qualifying only when every resource is strictly below its threshold.
type ThresholdConfig struct {
	CPUPercent    float64        `yaml:"cpuPercent"`
	MemoryPercent float64        `yaml:"memoryPercent"`
	GPUPercent    float64        `yaml:"gpuPercent"`
	Duration      model.Duration `yaml:"duration"`
}

// NoChangeConfig holds variance-based idle detection settings. When enabled,
// a window of samples whose per-resource spread stays under epsilon qualifies
// as idle regardless of absolute thresholds.
type NoChangeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Epsilon float64 `yaml:"epsilon"`
	Window  int     `yaml:"window"`
}

// StorageConfig holds durable state settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds dashboard/API server settings
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// Policy is the immutable per-cycle snapshot handed to the detector and
// executor, refreshed at the start of each collection cycle. Exclusions are
// not part of it: the exclude list only seeds the durable registry at
// startup.
type Policy struct {
	CPUThreshold    float64
	MemThreshold    float64
	GPUThreshold    float64
	Duration        time.Duration
	MonitorOnly     bool
	NoChangeEnabled bool
	NoChangeEpsilon float64
	NoChangeWindow  int
}

// Policy builds the cycle snapshot from the current configuration.
func (c *Config) Policy() Policy {
	return Policy{
		CPUThreshold:    c.AutoStop.Thresholds.CPUPercent,
		MemThreshold:    c.AutoStop.Thresholds.MemoryPercent,
		GPUThreshold:    c.AutoStop.Thresholds.GPUPercent,
		Duration:        time.Duration(c.AutoStop.Thresholds.Duration),
		MonitorOnly:     c.AutoStop.MonitorOnly,
		NoChangeEnabled: c.AutoStop.NoChange.Enabled,
		NoChangeEpsilon: c.AutoStop.NoChange.Epsilon,
		NoChangeWindow:  c.AutoStop.NoChange.Window,
	}
}

// RetentionWindow derives the raw sample retention span from the idle
// duration: max(1 hour, duration * 1.5). Never persisted; recomputed from
// whatever policy is current.
func (p Policy) RetentionWindow() time.Duration {
	w := p.Duration + p.Duration/2
	if w < time.Hour {
		return time.Hour
	}
	return w
}

// Interval returns the collection cadence as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.AutoStop.Interval)
}

// Cooldown returns the post-stop grace period: cooldownCycles * interval.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.AutoStop.CooldownCycles) * c.Interval()
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key is required")
	}

	if err := c.validatePolicy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Server.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required when server is enabled")
	}

	return nil
}

func (c *Config) validatePolicy() error {
	t := c.AutoStop.Thresholds
	for _, v := range []struct {
		name string
		pct  float64
	}{
		{"cpu", t.CPUPercent},
		{"memory", t.MemoryPercent},
		{"gpu", t.GPUPercent},
	} {
		if v.pct < 0 || v.pct > 100 {
			return fmt.Errorf("%s threshold %.1f outside [0,100]", v.name, v.pct)
		}
	}

	if time.Duration(t.Duration) < MinIdleDuration {
		return fmt.Errorf("idle duration %s below minimum %s", time.Duration(t.Duration), MinIdleDuration)
	}
	if c.Interval() < MinInterval {
		return fmt.Errorf("collection interval %s below minimum %s", c.Interval(), MinInterval)
	}
	if c.AutoStop.CooldownCycles < 1 {
		return fmt.Errorf("cooldown cycles must be at least 1, got %d", c.AutoStop.CooldownCycles)
	}

	if nc := c.AutoStop.NoChange; nc.Enabled {
		if nc.Epsilon <= 0 {
			return fmt.Errorf("no-change epsilon must be positive, got %.2f", nc.Epsilon)
		}
		if nc.Window < 2 {
			return fmt.Errorf("no-change window must be at least 2 samples, got %d", nc.Window)
		}
	}

	return nil
}
