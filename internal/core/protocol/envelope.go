// Package protocol defines the hub wire protocol: a versioned envelope around
// a tagged union of payloads, framed as newline-delimited JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame and payload limits.
const (
	CurrentVersion       Version = 1
	DefaultMaxFrameBytes         = 256 * 1024
	MaxPatchBytes                = 1024 * 1024
	MaxListLen                   = 500
)

// Type is the envelope discriminant.
type Type string

const (
	TypeHello         Type = "hello"
	TypeSubscribe     Type = "subscribe"
	TypeSnapshot      Type = "snapshot"
	TypeDelta         Type = "delta"
	TypeHeartbeat     Type = "heartbeat"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeResync        Type = "resync"
	TypeLayoutState   Type = "layout_state"
)

// Version is the protocol version. It is written as a string and accepts
// "1", 1 and "v1" on input.
type Version uint16

func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.Itoa(int(v)))
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch val := raw.(type) {
	case nil:
		*v = 0
		return nil
	case float64:
		if val < 0 || val > 65535 || val != float64(int(val)) {
			return fmt.Errorf("protocol version out of range: %v", val)
		}
		*v = Version(val)
		return nil
	case string:
		cleaned := strings.TrimPrefix(strings.TrimSpace(val), "v")
		n, err := strconv.ParseUint(cleaned, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid protocol version %q: %w", val, err)
		}
		*v = Version(n)
		return nil
	default:
		return fmt.Errorf("protocol version must be a string or integer")
	}
}

// Envelope is the outer wrapper of every wire message. The message type is
// carried by the concrete Payload.
type Envelope struct {
	Version   Version
	SessionID string
	SenderID  string
	Timestamp string
	RequestID string
	Payload   Payload
}

// New builds an envelope stamped with the current protocol version and time.
func New(sessionID, senderID string, payload Payload) Envelope {
	return Envelope{
		Version:   CurrentVersion,
		SessionID: sessionID,
		SenderID:  senderID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

// WithRequest returns a copy of e carrying the given request id.
func (e Envelope) WithRequest(id string) Envelope {
	e.RequestID = id
	return e
}

// Type returns the discriminant for e's payload.
func (e Envelope) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.MessageType()
}

// NowMS returns the current unix time in milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
