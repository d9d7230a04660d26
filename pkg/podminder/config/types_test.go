package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Provider.APIKey = "test-key"
	cfg.AutoStop.Enabled = true
	cfg.AutoStop.Thresholds = ThresholdConfig{
		CPUPercent:    20,
		MemoryPercent: 30,
		GPUPercent:    15,
		Duration:      model.Duration(30 * time.Minute),
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectErr   bool
		errContains string
		wantPolicy  bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:        "missing API key",
			mutate:      func(c *Config) { c.Provider.APIKey = "" },
			expectErr:   true,
			errContains: "API key is required",
		},
		{
			name:        "cpu threshold above 100",
			mutate:      func(c *Config) { c.AutoStop.Thresholds.CPUPercent = 120 },
			expectErr:   true,
			errContains: "cpu threshold",
			wantPolicy:  true,
		},
		{
			name:        "negative gpu threshold",
			mutate:      func(c *Config) { c.AutoStop.Thresholds.GPUPercent = -5 },
			expectErr:   true,
			errContains: "gpu threshold",
			wantPolicy:  true,
		},
		{
			name:        "duration below minimum",
			mutate:      func(c *Config) { c.AutoStop.Thresholds.Duration = model.Duration(30 * time.Second) },
			expectErr:   true,
			errContains: "below minimum",
			wantPolicy:  true,
		},
		{
			name:        "interval too fast",
			mutate:      func(c *Config) { c.AutoStop.Interval = model.Duration(time.Second) },
			expectErr:   true,
			errContains: "collection interval",
			wantPolicy:  true,
		},
		{
			name:        "zero cooldown cycles",
			mutate:      func(c *Config) { c.AutoStop.CooldownCycles = 0 },
			expectErr:   true,
			errContains: "cooldown cycles",
			wantPolicy:  true,
		},
		{
			name: "no-change enabled with bad epsilon",
			mutate: func(c *Config) {
				c.AutoStop.NoChange.Enabled = true
				c.AutoStop.NoChange.Epsilon = 0
			},
			expectErr:   true,
			errContains: "epsilon",
			wantPolicy:  true,
		},
		{
			name: "no-change enabled with one-sample window",
			mutate: func(c *Config) {
				c.AutoStop.NoChange.Enabled = true
				c.AutoStop.NoChange.Window = 1
			},
			expectErr:   true,
			errContains: "window",
			wantPolicy:  true,
		},
		{
			name:        "missing storage path",
			mutate:      func(c *Config) { c.Storage.Path = "" },
			expectErr:   true,
			errContains: "storage path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !tt.expectErr {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.errContains)
			}
			if tt.wantPolicy && !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("Validate() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestRetentionWindow(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     time.Duration
	}{
		{"short duration floors at one hour", 10 * time.Minute, time.Hour},
		{"exactly at the floor boundary", 40 * time.Minute, time.Hour},
		{"long duration scales by 1.5", 2 * time.Hour, 3 * time.Hour},
		{"one hour duration", time.Hour, 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Duration: tt.duration}
			if got := p.RetentionWindow(); got != tt.want {
				t.Errorf("RetentionWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicySnapshot(t *testing.T) {
	cfg := validConfig()
	cfg.AutoStop.MonitorOnly = true
	cfg.AutoStop.NoChange = NoChangeConfig{Enabled: true, Epsilon: 0.25, Window: 4}

	p := cfg.Policy()

	if p.CPUThreshold != 20 || p.MemThreshold != 30 || p.GPUThreshold != 15 {
		t.Errorf("Policy() thresholds = (%v,%v,%v), want (20,30,15)",
			p.CPUThreshold, p.MemThreshold, p.GPUThreshold)
	}
	if p.Duration != 30*time.Minute {
		t.Errorf("Policy() duration = %v, want 30m", p.Duration)
	}
	if !p.MonitorOnly {
		t.Error("Policy() monitorOnly = false, want true")
	}
	if !p.NoChangeEnabled || p.NoChangeEpsilon != 0.25 || p.NoChangeWindow != 4 {
		t.Errorf("Policy() noChange = (%v,%v,%v), want (true,0.25,4)",
			p.NoChangeEnabled, p.NoChangeEpsilon, p.NoChangeWindow)
	}
}

func TestCooldown(t *testing.T) {
	cfg := validConfig()
	cfg.AutoStop.Interval = model.Duration(60 * time.Second)
	cfg.AutoStop.CooldownCycles = 3

	if got := cfg.Cooldown(); got != 3*time.Minute {
		t.Errorf("Cooldown() = %v, want 3m", got)
	}
}
