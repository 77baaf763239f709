package protocol

import (
	"errors"
	"fmt"

	"github.com/hay-kot/criterio"
)

var errRequired = errors.New("is required")

type validator interface {
	validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder
}

// Validate checks required envelope and payload fields, then size limits.
// Missing fields yield a SchemaError wrapping criterio.FieldErrors; list or
// payload limit violations yield a SizeLimitExceeded error.
func Validate(e Envelope) error {
	var errs criterio.FieldErrorsBuilder

	if e.SessionID == "" {
		errs = errs.Append("session_id", errRequired)
	}
	if e.SenderID == "" {
		errs = errs.Append("sender_id", errRequired)
	}
	if e.Payload == nil {
		errs = errs.Append("payload", errRequired)
	} else if v, ok := e.Payload.(validator); ok {
		errs = v.validate(errs)
	}

	if err := errs.ToError(); err != nil {
		return newError(KindSchema, err, "invalid %s", e.Type())
	}

	return checkLimits(e.Payload)
}

func (h *Hello) validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if h.ClientID == "" {
		errs = errs.Append("payload.client_id", errRequired)
	}
	switch h.Role {
	case RolePublisher:
		if h.AgentID == "" {
			errs = errs.Append("payload.agent_id", errRequired)
		}
		if h.PaneID == "" {
			errs = errs.Append("payload.pane_id", errRequired)
		}
		if h.ProjectRoot == "" {
			errs = errs.Append("payload.project_root", errRequired)
		}
	case RoleSubscriber:
	case "":
		errs = errs.Append("payload.role", errRequired)
	default:
		errs = errs.Append("payload.role", fmt.Errorf("unknown role %q", h.Role))
	}
	return errs
}

func (d *Delta) validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	for i, c := range d.Changes {
		field := fmt.Sprintf("payload.changes[%d]", i)
		if c.AgentID == "" {
			errs = errs.Append(field+".agent_id", errRequired)
		}
		switch c.Op {
		case OpUpsert:
			if c.State == nil {
				errs = errs.Append(field+".state", errRequired)
			} else if c.State.Lifecycle != "" && !c.State.Lifecycle.Valid() {
				errs = errs.Append(field+".state.lifecycle", fmt.Errorf("unknown lifecycle %q", c.State.Lifecycle))
			}
		case OpRemove:
		default:
			errs = errs.Append(field+".op", fmt.Errorf("unknown op %q", c.Op))
		}
	}
	return errs
}

func (h *Heartbeat) validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if h.AgentID == "" {
		errs = errs.Append("payload.agent_id", errRequired)
	}
	if h.LastHeartbeatMS <= 0 {
		errs = errs.Append("payload.last_heartbeat_ms", errRequired)
	}
	if h.Lifecycle != "" && !h.Lifecycle.Valid() {
		errs = errs.Append("payload.lifecycle", fmt.Errorf("unknown lifecycle %q", h.Lifecycle))
	}
	return errs
}

func (c *Command) validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if c.Command == "" {
		errs = errs.Append("payload.command", errRequired)
	}
	return errs
}

func (r *CommandResult) validate(errs criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if r.Command == "" {
		errs = errs.Append("payload.command", errRequired)
	}
	if r.Status == "" {
		errs = errs.Append("payload.status", errRequired)
	}
	return errs
}

func checkLimits(p Payload) error {
	list := func(field string, n int) error {
		if n > MaxListLen {
			return newError(KindSizeLimit, nil, "%s has %d entries, max %d", field, n, MaxListLen)
		}
		return nil
	}
	blob := func(field string, n int) error {
		if n > MaxPatchBytes {
			return newError(KindSizeLimit, nil, "%s is %d bytes, max %d", field, n, MaxPatchBytes)
		}
		return nil
	}

	switch v := p.(type) {
	case *Hello:
		return list("payload.capabilities", len(v.Capabilities))
	case *Subscribe:
		return list("payload.topics", len(v.Topics))
	case *Snapshot:
		return list("payload.states", len(v.States))
	case *Delta:
		if err := list("payload.changes", len(v.Changes)); err != nil {
			return err
		}
		for _, c := range v.Changes {
			if c.State != nil {
				if err := blob("payload.changes.state.source", len(c.State.Source)); err != nil {
					return err
				}
			}
		}
	case *Command:
		return blob("payload.args", len(v.Args))
	case *LayoutState:
		if err := list("payload.tabs", len(v.Tabs)); err != nil {
			return err
		}
		return list("payload.panes", len(v.Panes))
	}
	return nil
}
