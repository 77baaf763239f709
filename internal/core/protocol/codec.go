package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type wireEnvelope struct {
	Version   Version         `json:"version"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes e as a single newline-terminated line, rejecting frames
// larger than DefaultMaxFrameBytes.
func Encode(e Envelope) ([]byte, error) {
	return EncodeLimit(e, DefaultMaxFrameBytes)
}

// EncodeLimit is Encode with an explicit frame limit. A limit <= 0 disables
// the check.
func EncodeLimit(e Envelope, maxFrameBytes int) ([]byte, error) {
	if e.Payload == nil {
		return nil, newError(KindSchema, nil, "envelope has no payload")
	}

	var raw json.RawMessage
	if u, ok := e.Payload.(*Unknown); ok {
		raw = u.Raw
	} else {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", e.Type(), err)
		}
		raw = data
	}

	line, err := json.Marshal(wireEnvelope{
		Version:   e.Version,
		Type:      e.Type(),
		SessionID: e.SessionID,
		SenderID:  e.SenderID,
		Timestamp: e.Timestamp,
		RequestID: e.RequestID,
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if maxFrameBytes > 0 && len(line) > maxFrameBytes {
		return nil, newError(KindSizeLimit, nil, "frame is %d bytes, max %d", len(line), maxFrameBytes)
	}

	return append(line, '\n'), nil
}

// Decode parses one line using DefaultMaxFrameBytes.
func Decode(line []byte) (Envelope, error) {
	return DecodeLimit(line, DefaultMaxFrameBytes)
}

// DecodeLimit parses one line. Unknown message types decode into *Unknown.
func DecodeLimit(line []byte, maxFrameBytes int) (Envelope, error) {
	line = bytes.TrimRight(line, "\r\n")
	if limit := maxLineBytes(maxFrameBytes); limit > 0 && len(line) > limit {
		return Envelope{}, newError(KindSizeLimit, nil, "frame is %d bytes, max %d", len(line), limit)
	}

	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return Envelope{}, newError(KindProtocol, err, "decode envelope")
	}
	if w.Type == "" {
		return Envelope{}, newError(KindSchema, nil, "type is required")
	}
	if limit := FrameLimit(w.Type, maxFrameBytes); limit > 0 && len(line) > limit {
		return Envelope{}, newError(KindSizeLimit, nil, "%s frame is %d bytes, max %d", w.Type, len(line), limit)
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return Envelope{}, err
	}

	version := w.Version
	if version == 0 {
		version = CurrentVersion
	}

	return Envelope{
		Version:   version,
		SessionID: w.SessionID,
		SenderID:  w.SenderID,
		Timestamp: w.Timestamp,
		RequestID: w.RequestID,
		Payload:   payload,
	}, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeHello:
		p = &Hello{}
	case TypeSubscribe:
		p = &Subscribe{}
	case TypeSnapshot:
		p = &Snapshot{}
	case TypeDelta:
		p = &Delta{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	case TypeCommand:
		p = &Command{}
	case TypeCommandResult:
		p = &CommandResult{}
	case TypeResync:
		p = &Resync{}
	case TypeLayoutState:
		p = &LayoutState{}
	default:
		return &Unknown{Kind: t, Raw: raw}, nil
	}

	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, newError(KindSchema, err, "decode %s payload", t)
	}
	canonicalize(p)
	return p, nil
}

// FrameLimit is the frame budget for a message of type t. Command results
// may carry a patch, so they get MaxPatchBytes on top of the envelope limit.
// A limit <= 0 stays disabled.
func FrameLimit(t Type, maxFrameBytes int) int {
	if maxFrameBytes <= 0 {
		return maxFrameBytes
	}
	if t == TypeCommandResult {
		return maxFrameBytes + MaxPatchBytes
	}
	return maxFrameBytes
}

// maxLineBytes bounds a line before its type is known.
func maxLineBytes(maxFrameBytes int) int {
	return FrameLimit(TypeCommandResult, maxFrameBytes)
}

// canonicalize rewrites embedded JSON documents into the form json.Marshal
// emits, so a decoded envelope re-encodes to the same bytes.
func canonicalize(p Payload) {
	switch v := p.(type) {
	case *Command:
		v.Args = compactRaw(v.Args)
	case *Snapshot:
		for i := range v.States {
			v.States[i].Source = compactRaw(v.States[i].Source)
		}
	case *Delta:
		for _, c := range v.Changes {
			if c.State != nil {
				c.State.Source = compactRaw(c.State.Source)
			}
		}
	}
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return raw
	}
	var out bytes.Buffer
	json.HTMLEscape(&out, compacted.Bytes())
	return out.Bytes()
}

// Decoder reads envelopes from an NDJSON stream. Oversized and malformed
// lines are reported as *Error values and the stream stays usable; only
// read errors (including io.EOF) are sticky.
type Decoder struct {
	r   *bufio.Reader
	max int
	err error
}

// NewDecoder wraps r. maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: maxFrameBytes}
}

// Next returns the next envelope in the stream.
func (d *Decoder) Next() (Envelope, error) {
	for {
		if d.err != nil {
			return Envelope{}, d.err
		}

		line, oversized, err := d.readLine()
		if err != nil {
			d.err = err
		}
		if oversized {
			return Envelope{}, newError(KindSizeLimit, nil, "frame exceeds %d bytes", maxLineBytes(d.max))
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return DecodeLimit(line, d.max)
	}
}

// readLine reads through the next newline, discarding the content once it
// grows past the frame limit so memory stays bounded.
func (d *Decoder) readLine() ([]byte, bool, error) {
	var (
		buf       []byte
		oversized bool
	)
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			// two bytes of slack for a trailing \r\n
			if len(buf)+len(chunk) > maxLineBytes(d.max)+2 {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, oversized, err
	}
}

// DecodeAll decodes every line of one transport message. Lines that fail to
// decode are passed to skip and decoding continues with the next line.
func DecodeAll(data []byte, maxFrameBytes int, skip func(error)) []Envelope {
	body := bytes.TrimRight(data, "\r\n")
	if bytes.IndexByte(body, '\n') < 0 {
		env, err := DecodeLimit(body, maxFrameBytes)
		if err != nil {
			skip(err)
			return nil
		}
		return []Envelope{env}
	}

	var out []Envelope
	dec := NewDecoder(bytes.NewReader(body), maxFrameBytes)
	for {
		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			skip(err)
			continue
		}
		out = append(out, env)
	}
}
