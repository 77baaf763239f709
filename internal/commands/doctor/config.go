package doctor

import (
	"context"
	"errors"
	"os"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/pulse/internal/core/config"
)

// ConfigCheck validates the loaded configuration and the file it came from.
type ConfigCheck struct {
	config *config.Config
	path   string
}

// NewConfigCheck creates a new configuration check.
func NewConfigCheck(cfg *config.Config, path string) *ConfigCheck {
	return &ConfigCheck{config: cfg, path: path}
}

func (c *ConfigCheck) Name() string {
	return "Configuration"
}

func (c *ConfigCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}
	if c.config == nil {
		result.add(StatusFail, "Config loaded", "configuration not loaded")
		return result
	}

	for _, fe := range fieldErrors(c.config.ValidateDeep(c.path)) {
		result.add(StatusFail, fe.Field, fe.Err.Error())
	}
	for _, w := range c.config.Warnings() {
		label := w.Category
		if w.Item != "" {
			label += " (" + w.Item + ")"
		}
		result.add(StatusWarn, label, w.Message)
	}

	if len(result.Items) == 0 {
		result.add(StatusPass, "Config valid", c.source())
	}
	return result
}

// source describes where the configuration was read from.
func (c *ConfigCheck) source() string {
	if c.path == "" {
		return ""
	}
	if _, err := os.Stat(c.path); errors.Is(err, os.ErrNotExist) {
		return c.path + " not found, using defaults"
	}
	return c.path
}

// fieldErrors flattens a validation error into labelled field errors.
func fieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if !errors.As(err, &fieldErrs) {
		fieldErrs = criterio.FieldErrors{{Err: err}}
	}
	for i := range fieldErrs {
		if fieldErrs[i].Field == "" {
			fieldErrs[i].Field = "validation"
		}
	}
	return fieldErrs
}
