package protocol

import "encoding/json"

// Role is the role a client declares in its hello.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Lifecycle is the coarse status of a tracked agent.
type Lifecycle string

const (
	LifecycleIdle       Lifecycle = "idle"
	LifecycleRunning    Lifecycle = "running"
	LifecycleNeedsInput Lifecycle = "needs_input"
	LifecycleError      Lifecycle = "error"
	LifecycleOffline    Lifecycle = "offline"
)

// Valid reports whether l is one of the known lifecycle values.
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleIdle, LifecycleRunning, LifecycleNeedsInput, LifecycleError, LifecycleOffline:
		return true
	default:
		return false
	}
}

// Op is a delta change operation.
type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Topics a subscriber may filter on.
const (
	TopicAgentState    = "agent_state"
	TopicCommandResult = "command_result"
	TopicLayoutState   = "layout_state"
)

// Payload is implemented by every message variant.
type Payload interface {
	MessageType() Type
}

type Hello struct {
	ClientID     string   `json:"client_id"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities"`
	AgentID      string   `json:"agent_id,omitempty"`
	PaneID       string   `json:"pane_id,omitempty"`
	ProjectRoot  string   `json:"project_root,omitempty"`
}

type Subscribe struct {
	Topics   []string `json:"topics"`
	SinceSeq *uint64  `json:"since_seq,omitempty"`
}

type Snapshot struct {
	Seq    uint64       `json:"seq"`
	States []AgentState `json:"states"`
}

type Delta struct {
	Seq     uint64   `json:"seq"`
	Changes []Change `json:"changes"`
}

// Change is a single entry of a delta.
type Change struct {
	Op      Op          `json:"op"`
	AgentID string      `json:"agent_id"`
	State   *AgentState `json:"state,omitempty"`
}

type Heartbeat struct {
	AgentID         string    `json:"agent_id"`
	LastHeartbeatMS int64     `json:"last_heartbeat_ms"`
	Lifecycle       Lifecycle `json:"lifecycle,omitempty"`
}

type Command struct {
	Command       string          `json:"command"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
}

type CommandResult struct {
	Command string        `json:"command"`
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Error   *CommandError `json:"error,omitempty"`
}

// CommandError is the structured failure body of a command_result.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Resync asks the hub for a fresh snapshot after a detected seq gap.
type Resync struct {
	LastSeq uint64 `json:"last_seq,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// LayoutState is the tab and pane structure of the multiplexer session the
// hub serves. LayoutSeq increases each time the structure changes.
type LayoutState struct {
	LayoutSeq   uint64       `json:"layout_seq"`
	SessionID   string       `json:"session_id"`
	EmittedAtMS int64        `json:"emitted_at_ms"`
	Tabs        []LayoutTab  `json:"tabs"`
	Panes       []LayoutPane `json:"panes"`
}

type LayoutTab struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Focused bool   `json:"focused"`
}

type LayoutPane struct {
	PaneID     string `json:"pane_id"`
	TabIndex   int    `json:"tab_index"`
	TabName    string `json:"tab_name"`
	TabFocused bool   `json:"tab_focused"`
}

// Unknown holds a message whose type this build does not understand.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

func (*Hello) MessageType() Type         { return TypeHello }
func (*Subscribe) MessageType() Type     { return TypeSubscribe }
func (*Snapshot) MessageType() Type      { return TypeSnapshot }
func (*Delta) MessageType() Type         { return TypeDelta }
func (*Heartbeat) MessageType() Type     { return TypeHeartbeat }
func (*Command) MessageType() Type       { return TypeCommand }
func (*CommandResult) MessageType() Type { return TypeCommandResult }
func (*Resync) MessageType() Type        { return TypeResync }
func (*LayoutState) MessageType() Type   { return TypeLayoutState }
func (u *Unknown) MessageType() Type     { return u.Kind }

// Command result statuses.
const (
	StatusOK       = "ok"
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Failed builds an error command_result.
func Failed(command, code, message string) *CommandResult {
	return &CommandResult{
		Command: command,
		Status:  StatusError,
		Message: message,
		Error:   &CommandError{Code: code, Message: message},
	}
}

// AgentState is the last-known state of one agent.
type AgentState struct {
	AgentID         string          `json:"agent_id"`
	SessionID       string          `json:"session_id"`
	PaneID          string          `json:"pane_id"`
	Lifecycle       Lifecycle       `json:"lifecycle"`
	Snippet         string          `json:"snippet,omitempty"`
	LastHeartbeatMS int64           `json:"last_heartbeat_ms,omitempty"`
	LastActivityMS  int64           `json:"last_activity_ms,omitempty"`
	UpdatedAtMS     int64           `json:"updated_at_ms,omitempty"`
	Source          json.RawMessage `json:"source,omitempty"`
}

// Source is the metadata block publishers in this repository attach to
// AgentState.Source. Other publishers may send any JSON object.
type Source struct {
	Label       string            `json:"label,omitempty"`
	Command     string            `json:"command,omitempty"`
	PID         int               `json:"pid,omitempty"`
	ProjectRoot string            `json:"project_root,omitempty"`
	Status      map[string]string `json:"status,omitempty"`
	Changes     *Changes          `json:"changes,omitempty"`
}

// Changes summarises uncommitted work in the agent's repository. Reason is
// set instead of the counts when the summary could not be read.
type Changes struct {
	RepoRoot  string `json:"repo_root,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Clean     bool   `json:"clean"`
	Staged    int    `json:"staged"`
	Unstaged  int    `json:"unstaged"`
	Untracked int    `json:"untracked"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Reason    string `json:"reason,omitempty"`
}

// DecodeSource parses s.Source into the local Source shape.
func (s AgentState) DecodeSource() (Source, bool) {
	var src Source
	if len(s.Source) == 0 {
		return src, false
	}
	if err := json.Unmarshal(s.Source, &src); err != nil {
		return src, false
	}
	return src, true
}
