package session

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Port range used for derived hub addresses.
const (
	BasePort  = 42000
	PortRange = 2000
)

// DerivePort maps a session id to a port in [BasePort, BasePort+PortRange).
func DerivePort(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return BasePort + int(h.Sum32()%PortRange)
}

// DefaultAddr is the loopback address derived from the session id.
func DefaultAddr(sessionID string) string {
	return fmt.Sprintf("127.0.0.1:%d", DerivePort(sessionID))
}

// URLFor returns the websocket endpoint for a hub address.
func URLFor(addr string) string {
	return "ws://" + addr + "/ws"
}

// HealthURLFor returns the readiness endpoint for a hub address.
func HealthURLFor(addr string) string {
	return "http://" + addr + "/health"
}

// StatsURLFor returns the stats endpoint for a hub address.
func StatsURLFor(addr string) string {
	return "http://" + addr + "/stats"
}

// AgentID builds the composite agent key for a pane in a session.
func AgentID(sessionID, paneID string) string {
	return sessionID + "::" + paneID
}

// InSession reports whether agentID belongs to sessionID.
func InSession(sessionID, agentID string) bool {
	return strings.HasPrefix(agentID, sessionID+"::") && len(agentID) > len(sessionID)+2
}

// PaneFromAgentID returns the pane component of an agent id.
func PaneFromAgentID(agentID string) string {
	if _, pane, ok := strings.Cut(agentID, "::"); ok {
		return pane
	}
	return agentID
}

// Slug returns a filesystem-safe form of the session id with a short hash
// suffix so distinct ids never share a runtime directory.
func Slug(sessionID string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range sessionID {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '.'
		switch {
		case ok:
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}

	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "session"
	}
	if len(base) > 48 {
		base = base[:48]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return fmt.Sprintf("%s-%08x", base, h.Sum32())
}
