// Package validate checks identifiers that become part of agent ids and
// runtime paths.
package validate

import (
	"fmt"
	"strings"
	"unicode"
)

// AgentSeparator joins a session id and a pane id into an agent id.
const AgentSeparator = "::"

// SessionID validates a session id. It must be non-blank, free of control
// characters, and must not contain the agent id separator, which would make
// agent ids ambiguous.
func SessionID(id string) error {
	if err := identifier("session id", id); err != nil {
		return err
	}
	if strings.Contains(id, AgentSeparator) {
		return fmt.Errorf("session id must not contain %q", AgentSeparator)
	}
	return nil
}

// PaneID validates a pane id.
func PaneID(id string) error {
	return identifier("pane id", id)
}

func identifier(what, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", what)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control character %q", what, r)
		}
	}
	return nil
}
