package doctor

import (
	"context"

	"github.com/hay-kot/pulse/internal/integration/mux"
)

// MuxCheck reports the terminal multiplexer pulse detected and whether the
// pane output tap can read from it.
type MuxCheck struct {
	manager *mux.Manager
}

// NewMuxCheck creates a multiplexer check.
func NewMuxCheck(m *mux.Manager) *MuxCheck {
	return &MuxCheck{manager: m}
}

func (c *MuxCheck) Name() string {
	return "Multiplexer"
}

func (c *MuxCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	active := c.manager.Active()
	if active == nil {
		result.add(StatusWarn, "Detected", "none; sessions fall back to generated names and the pane tap is off")
		return result
	}
	result.add(StatusPass, "Detected", active.Name())

	if name, err := active.SessionName(ctx); err != nil {
		result.add(StatusWarn, "Session name", err.Error())
	} else {
		result.add(StatusPass, "Session name", name)
	}

	capt, ok := active.(mux.Capturer)
	if !ok {
		result.add(StatusWarn, "Pane capture", active.Name()+" does not support pane capture; use --tap pipe")
		return result
	}
	if _, err := capt.CapturePane(ctx); err != nil {
		result.add(StatusWarn, "Pane capture", err.Error())
	} else {
		result.add(StatusPass, "Pane capture", "ok")
	}
	return result
}
