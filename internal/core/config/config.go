// Package config loads the pulse configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// DefaultLaunch starts the hub by re-executing the current binary.
const DefaultLaunch = "exec {{ .Exe | shq }} --config {{ .ConfigPath | shq }} hub serve --session {{ .SessionID | shq }} --addr {{ .Addr | shq }}"

// Config holds the application configuration.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
}

// HubConfig tunes the session hub and how it is launched.
type HubConfig struct {
	HeartbeatTTL     time.Duration `yaml:"heartbeat_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	DisconnectGrace  time.Duration `yaml:"disconnect_grace"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	QueueSize        int           `yaml:"queue_size"`
	MaxFrameBytes    int           `yaml:"max_frame_bytes"`
	CommandCacheSize int           `yaml:"command_cache_size"`
	CommandCacheTTL  time.Duration `yaml:"command_cache_ttl"`
	LayoutInterval   time.Duration `yaml:"layout_interval"`

	// Launch is a shell command template used by `hub ensure`.
	Launch string `yaml:"launch"`
}

// PublisherConfig tunes `pulse wrap`.
type PublisherConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Debounce          time.Duration `yaml:"debounce"`
	BackoffMin        time.Duration `yaml:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	ChangesInterval   time.Duration `yaml:"changes_interval"`
	Tap               string        `yaml:"tap"`
	RedactKeys        []string      `yaml:"redact_keys"`
}

// SubscriberConfig tunes `pulse watch` and `pulse send`.
type SubscriberConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Topics         []string      `yaml:"topics"`
}

// LaunchTemplateData defines the fields available to hub.launch.
type LaunchTemplateData struct {
	Exe        string
	ConfigPath string
	SessionID  string
	Addr       string
	RuntimeDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Hub: HubConfig{
			HeartbeatTTL:     30 * time.Second,
			DisconnectGrace:  3 * time.Second,
			CommandTimeout:   5 * time.Second,
			QueueSize:        256,
			MaxFrameBytes:    protocol.DefaultMaxFrameBytes,
			CommandCacheSize: 512,
			CommandCacheTTL:  30 * time.Second,
			LayoutInterval:   time.Second,
			Launch:           DefaultLaunch,
		},
		Publisher: PublisherConfig{
			HeartbeatInterval: 5 * time.Second,
			Debounce:          500 * time.Millisecond,
			BackoffMin:        time.Second,
			BackoffMax:        10 * time.Second,
			ReportInterval:    250 * time.Millisecond,
			ChangesInterval:   2 * time.Second,
			Tap:               "auto",
		},
		Subscriber: SubscriberConfig{
			CommandTimeout: 8 * time.Second,
			Topics:         []string{protocol.TopicAgentState, protocol.TopicCommandResult, protocol.TopicLayoutState},
		},
	}
}

// DefaultPath returns the config file path under XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "pulse", "config.yaml")
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	setDuration(&c.Hub.HeartbeatTTL, d.Hub.HeartbeatTTL)
	setDuration(&c.Hub.DisconnectGrace, d.Hub.DisconnectGrace)
	setDuration(&c.Hub.CommandTimeout, d.Hub.CommandTimeout)
	setDuration(&c.Hub.CommandCacheTTL, d.Hub.CommandCacheTTL)
	setDuration(&c.Hub.LayoutInterval, d.Hub.LayoutInterval)
	setInt(&c.Hub.QueueSize, d.Hub.QueueSize)
	setInt(&c.Hub.MaxFrameBytes, d.Hub.MaxFrameBytes)
	setInt(&c.Hub.CommandCacheSize, d.Hub.CommandCacheSize)
	if c.Hub.Launch == "" {
		c.Hub.Launch = d.Hub.Launch
	}

	setDuration(&c.Publisher.HeartbeatInterval, d.Publisher.HeartbeatInterval)
	setDuration(&c.Publisher.Debounce, d.Publisher.Debounce)
	setDuration(&c.Publisher.BackoffMin, d.Publisher.BackoffMin)
	setDuration(&c.Publisher.BackoffMax, d.Publisher.BackoffMax)
	setDuration(&c.Publisher.ReportInterval, d.Publisher.ReportInterval)
	setDuration(&c.Publisher.ChangesInterval, d.Publisher.ChangesInterval)
	if c.Publisher.Tap == "" {
		c.Publisher.Tap = d.Publisher.Tap
	}

	setDuration(&c.Subscriber.CommandTimeout, d.Subscriber.CommandTimeout)
	if len(c.Subscriber.Topics) == 0 {
		c.Subscriber.Topics = d.Subscriber.Topics
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
