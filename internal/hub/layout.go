package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	wsclient "github.com/hay-kot/pulse/internal/client"
	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/integration/mux"
)

const (
	layoutBackoffMin = 150 * time.Millisecond
	layoutBackoffMax = 2400 * time.Millisecond
)

type (
	layoutEvent struct{ layout mux.Layout }
	replyEvent  struct {
		c         *client
		requestID string
		result    *protocol.CommandResult
	}
)

// SetLayoutSource lets the registry follow the multiplexer layout of its
// session and serve focus_tab. Call it before Run and WatchLayout.
func (r *Registry) SetLayoutSource(src mux.Layouter) {
	r.layouts = src
}

// WatchLayout polls the layout source until ctx is canceled, backing off
// while the multiplexer is unreachable. It returns immediately when no
// source is set.
func (r *Registry) WatchLayout(ctx context.Context) error {
	if r.layouts == nil {
		return nil
	}

	backoff := wsclient.NewBackoff(layoutBackoffMin, layoutBackoffMax)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		wait := r.cfg.LayoutInterval
		layout, err := r.layouts.Layout(ctx)
		switch {
		case err != nil:
			wait = backoff.Next()
			r.log.Debug().Err(err).Dur("retry_in", wait).Msg("layout unavailable")
		case !r.post(layoutEvent{layout: layout}):
			return nil
		default:
			backoff.Reset()
		}
		timer.Reset(wait)
	}
}

// applyLayout retires agents whose pane closed since the previous layout and
// broadcasts the layout to subscribers when its structure changed.
func (r *Registry) applyLayout(l mux.Layout) {
	open := l.PaneIDs()
	if r.layoutKnown {
		closed := make(map[string]bool)
		for _, p := range r.layout.Panes {
			if _, ok := open[p.ID]; !ok {
				closed[p.ID] = true
			}
		}

		var changes []protocol.Change
		for _, id := range r.agentIDs() {
			rec := r.agents[id]
			if !closed[rec.state.PaneID] {
				continue
			}
			if ch, ok := r.markOffline(rec); ok {
				r.log.Info().Str("agent_id", id).Str("pane_id", rec.state.PaneID).Msg("pane closed, agent marked offline")
				changes = append(changes, ch)
			}
		}
		r.publish(changes...)

		if r.layout.Equal(l) {
			return
		}
	}

	r.layout = l
	r.layoutKnown = true
	r.layoutSeq++
	r.layoutAtMS = r.now().UnixMilli()

	env := r.layoutEnvelope()
	frame, err := protocol.EncodeLimit(env, 0)
	if err != nil {
		r.log.Error().Err(err).Msg("encode layout")
		return
	}
	for _, sub := range r.subscribers() {
		if sub.subscribed && sub.topics.layoutState {
			r.push(sub, frame)
		}
	}
}

func (r *Registry) layoutEnvelope() protocol.Envelope {
	st := &protocol.LayoutState{
		LayoutSeq:   r.layoutSeq,
		SessionID:   r.cfg.SessionID,
		EmittedAtMS: r.layoutAtMS,
		Tabs:        make([]protocol.LayoutTab, 0, len(r.layout.Tabs)),
		Panes:       make([]protocol.LayoutPane, 0, len(r.layout.Panes)),
	}
	for _, t := range r.layout.Tabs {
		st.Tabs = append(st.Tabs, protocol.LayoutTab{Index: t.Index, Name: t.Name, Focused: t.Focused})
	}
	for _, p := range r.layout.Panes {
		st.Panes = append(st.Panes, protocol.LayoutPane{PaneID: p.ID, TabIndex: p.TabIndex, TabName: p.TabName, TabFocused: p.TabFocused})
	}
	return protocol.New(r.cfg.SessionID, SenderID, st)
}

// focusTab runs the focus off the registry goroutine and posts the result
// back as a replyEvent.
func (r *Registry) focusTab(c *client, env protocol.Envelope, p *protocol.Command) {
	if r.layouts == nil {
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeUnsupportedCommand, "no multiplexer layout available"))
		return
	}
	target, err := parseFocusArgs(p.Args)
	if err != nil {
		r.reply(c, env.RequestID, protocol.Failed(p.Command, protocol.CodeInvalidArgs, err.Error()))
		return
	}

	src, timeout, requestID, command := r.layouts, r.cfg.CommandTimeout, env.RequestID, p.Command
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result := &protocol.CommandResult{Command: command, Status: protocol.StatusOK, Message: "tab focus updated"}
		if err := src.FocusTab(ctx, target); err != nil {
			result = protocol.Failed(command, protocol.CodeFocusFailed, err.Error())
		}
		r.post(replyEvent{c: c, requestID: requestID, result: result})
	}()
}

type focusArgs struct {
	TabIndex *int   `json:"tab_index"`
	TabName  string `json:"tab_name"`
}

func parseFocusArgs(raw json.RawMessage) (mux.TabTarget, error) {
	var args focusArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return mux.TabTarget{}, errors.New("focus_tab args must be an object")
		}
	}
	switch {
	case args.TabIndex != nil:
		if *args.TabIndex < 0 {
			return mux.TabTarget{}, errors.New("tab_index must be >= 0")
		}
		return mux.TabTarget{Index: args.TabIndex}, nil
	case args.TabName != "":
		name := strings.TrimSpace(args.TabName)
		if name == "" {
			return mux.TabTarget{}, errors.New("tab_name cannot be empty")
		}
		return mux.TabTarget{Name: name}, nil
	default:
		return mux.TabTarget{}, errors.New("focus_tab requires tab_index or tab_name")
	}
}
