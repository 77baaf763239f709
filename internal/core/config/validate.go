package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/pkg/tmpl"
)

// Tap modes accepted by publisher.tap.
var tapModes = []string{"auto", "pipe", "pane", "off"}

var knownTopics = []string{protocol.TopicAgentState, protocol.TopicCommandResult, protocol.TopicLayoutState}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks the structural rules every command relies on.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	positive := func(field string, ok bool) {
		if !ok {
			errs = errs.Append(field, errors.New("must be greater than zero"))
		}
	}

	positive("hub.heartbeat_ttl", c.Hub.HeartbeatTTL > 0)
	positive("hub.disconnect_grace", c.Hub.DisconnectGrace > 0)
	positive("hub.command_timeout", c.Hub.CommandTimeout > 0)
	positive("hub.queue_size", c.Hub.QueueSize > 0)
	positive("hub.max_frame_bytes", c.Hub.MaxFrameBytes > 0)
	positive("hub.command_cache_size", c.Hub.CommandCacheSize > 0)
	positive("hub.command_cache_ttl", c.Hub.CommandCacheTTL > 0)
	positive("hub.layout_interval", c.Hub.LayoutInterval > 0)
	if c.Hub.SweepInterval < 0 {
		errs = errs.Append("hub.sweep_interval", errors.New("cannot be negative"))
	}
	if strings.TrimSpace(c.Hub.Launch) == "" {
		errs = errs.Append("hub.launch", errors.New("cannot be empty"))
	}

	positive("publisher.heartbeat_interval", c.Publisher.HeartbeatInterval > 0)
	positive("publisher.debounce", c.Publisher.Debounce > 0)
	positive("publisher.report_interval", c.Publisher.ReportInterval > 0)
	positive("publisher.changes_interval", c.Publisher.ChangesInterval > 0)
	positive("publisher.backoff_min", c.Publisher.BackoffMin > 0)
	if c.Publisher.BackoffMax < c.Publisher.BackoffMin {
		errs = errs.Append("publisher.backoff_max", fmt.Errorf("must be at least backoff_min (%s)", c.Publisher.BackoffMin))
	}
	if !slices.Contains(tapModes, strings.ToLower(strings.TrimSpace(c.Publisher.Tap))) {
		errs = errs.Append("publisher.tap", fmt.Errorf("unknown mode %q (want one of %s)", c.Publisher.Tap, strings.Join(tapModes, ", ")))
	}

	positive("subscriber.command_timeout", c.Subscriber.CommandTimeout > 0)
	for i, topic := range c.Subscriber.Topics {
		if !slices.Contains(knownTopics, topic) {
			errs = errs.Append(fmt.Sprintf("subscriber.topics[%d]", i), fmt.Errorf("unknown topic %q", topic))
		}
	}

	return errs.ToError()
}

// ValidateDeep performs comprehensive validation of the configuration.
// Unlike Validate, it also checks file access and renders the launch
// template.
func (c *Config) ValidateDeep(configPath string) error {
	var errs criterio.FieldErrorsBuilder

	if configPath != "" {
		info, err := os.Stat(configPath)
		switch {
		case err == nil && info.IsDir():
			errs = errs.Append("config file", fmt.Errorf("%s is a directory, not a file", configPath))
		case err != nil && !errors.Is(err, os.ErrNotExist):
			errs = errs.Append("config file", fmt.Errorf("cannot access %s: %w", configPath, err))
		}
	}

	if err := c.Validate(); err != nil {
		var fieldErrs criterio.FieldErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = errs.Append(fe.Field, fe.Err)
		}
	}

	if _, err := c.RenderLaunch(LaunchTemplateData{}); err != nil {
		errs = errs.Append("hub.launch", fmt.Errorf("template error: %w", err))
	}

	for i, key := range c.Publisher.RedactKeys {
		if strings.TrimSpace(key) == "" {
			errs = errs.Append(fmt.Sprintf("publisher.redact_keys[%d]", i), errors.New("cannot be empty"))
		}
	}

	return errs.ToError()
}

// Warnings returns non-fatal issues worth surfacing to the user.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if c.Publisher.HeartbeatInterval >= c.Hub.HeartbeatTTL {
		warnings = append(warnings, ValidationWarning{
			Category: "Heartbeats",
			Item:     "publisher.heartbeat_interval",
			Message: fmt.Sprintf("interval %s is not shorter than hub.heartbeat_ttl %s; agents will flap to offline",
				c.Publisher.HeartbeatInterval, c.Hub.HeartbeatTTL),
		})
	}

	if c.Subscriber.CommandTimeout < c.Hub.CommandTimeout {
		warnings = append(warnings, ValidationWarning{
			Category: "Commands",
			Item:     "subscriber.command_timeout",
			Message: fmt.Sprintf("timeout %s is shorter than hub.command_timeout %s; clients may give up before the hub reports a timeout",
				c.Subscriber.CommandTimeout, c.Hub.CommandTimeout),
		})
	}

	if !slices.Contains(c.Subscriber.Topics, protocol.TopicAgentState) {
		warnings = append(warnings, ValidationWarning{
			Category: "Subscriptions",
			Item:     "subscriber.topics",
			Message:  "agent_state is not subscribed; watch will show no agents",
		})
	}

	return warnings
}

// RenderLaunch renders hub.launch with data.
func (c *Config) RenderLaunch(data LaunchTemplateData) (string, error) {
	return tmpl.Render(c.Hub.Launch, data)
}
