package doctor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hay-kot/pulse/internal/core/session"
	"github.com/hay-kot/pulse/internal/supervise"
)

// HubCheck reports whether the session's hub is reachable.
type HubCheck struct {
	identity session.Identity
	client   *http.Client
}

// NewHubCheck creates a hub reachability check for id.
func NewHubCheck(id session.Identity, client *http.Client) *HubCheck {
	if client == nil {
		client = &http.Client{Timeout: time.Second}
	}
	return &HubCheck{identity: id, client: client}
}

func (c *HubCheck) Name() string {
	return "Hub"
}

func (c *HubCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}
	id := c.identity

	if id.SessionSource == session.SourceGenerated {
		result.add(StatusWarn, "Session", "not in a multiplexer session and PULSE_SESSION_ID is unset")
		return result
	}
	result.add(StatusPass, "Session", fmt.Sprintf("%s (from %s)", id.SessionID, id.SessionSource))
	result.add(StatusPass, "Address", id.Addr)

	ok, err := supervise.Healthy(ctx, c.client, id.Addr, id.SessionID)
	switch {
	case err != nil:
		result.add(StatusFail, "Health", err.Error())
		return result
	case !ok:
		result.add(StatusWarn, "Health", "hub is not running; `pulse wrap` starts it on demand")
		return result
	}
	result.add(StatusPass, "Health", "ok")

	stats, err := supervise.Stats(ctx, c.client, id.Addr)
	if err != nil {
		result.add(StatusWarn, "Stats", err.Error())
		return result
	}
	result.add(StatusPass, "Agents", fmt.Sprintf("%d tracked, %d offline, %d publishers, %d subscribers",
		stats.Agents, stats.Offline, stats.Publishers, stats.Subscribers))
	if stats.Drops > 0 {
		result.add(StatusWarn, "Slow subscribers", fmt.Sprintf("%d deltas dropped", stats.Drops))
	}

	return result
}
