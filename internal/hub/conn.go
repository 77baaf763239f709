package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/core/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type connState int

const (
	stateConnected connState = iota
	stateActive
)

// conn pumps frames between one websocket and the registry.
type conn struct {
	ws       *websocket.Conn
	cfg      Config
	registry *Registry
	c        *client
	log      zerolog.Logger

	state     connState
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, cfg Config, registry *Registry, logger zerolog.Logger) *conn {
	cn := &conn{
		ws:       ws,
		cfg:      cfg,
		registry: registry,
		log:      logger.With().Str("conn_id", id).Logger(),
		done:     make(chan struct{}),
	}
	cn.c = &client{
		id:   id,
		out:  NewOutbox(cfg.QueueSize),
		kill: cn.fail,
		log:  cn.log,
	}
	return cn
}

// serve runs the write pump in the background and reads until the socket
// fails or the connection is rejected.
func (cn *conn) serve() {
	go cn.writePump()
	cn.readPump()
}

func (cn *conn) readPump() {
	defer cn.close()

	cn.ws.SetReadLimit(cn.cfg.ReadLimit)
	_ = cn.ws.SetReadDeadline(time.Now().Add(cn.cfg.HandshakeTimeout))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cn.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if cn.state == stateActive {
			_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		for _, env := range cn.decode(data) {
			if !cn.accept(env) {
				return
			}
		}
	}
}

// decode splits one websocket message into envelopes. Bad or oversized lines
// are logged and skipped.
func (cn *conn) decode(data []byte) []protocol.Envelope {
	return protocol.DecodeAll(data, cn.cfg.MaxFrameBytes, func(err error) {
		cn.log.Debug().Err(err).Msg("frame dropped")
	})
}

// accept applies the handshake and session checks. It returns false when the
// connection must be closed.
func (cn *conn) accept(env protocol.Envelope) bool {
	if env.SessionID != cn.cfg.SessionID {
		cn.fail(&protocol.Error{Kind: protocol.KindSessionMismatch, Msg: "envelope session " + env.SessionID + " does not match hub"})
		return false
	}

	if cn.state == stateConnected {
		return cn.handshake(env)
	}

	if env.Version > protocol.CurrentVersion {
		cn.log.Debug().Int("version", int(env.Version)).Str("type", string(env.Type())).Msg("newer protocol version dropped")
		return true
	}
	if err := protocol.Validate(env); err != nil {
		cn.log.Debug().Err(err).Str("type", string(env.Type())).Msg("invalid message dropped")
		return true
	}
	return cn.registry.post(messageEvent{c: cn.c, env: env})
}

func (cn *conn) handshake(env protocol.Envelope) bool {
	hello, ok := env.Payload.(*protocol.Hello)
	if !ok {
		cn.fail(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: "expected hello, got " + string(env.Type())})
		return false
	}
	if env.Version > protocol.CurrentVersion {
		cn.fail(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: fmt.Sprintf("unsupported protocol version %d, hub speaks %d", env.Version, protocol.CurrentVersion)})
		return false
	}
	if err := protocol.Validate(env); err != nil {
		cn.fail(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: "invalid hello", Err: err})
		return false
	}
	if hello.Role == protocol.RolePublisher && !session.InSession(cn.cfg.SessionID, hello.AgentID) {
		cn.fail(&protocol.Error{Kind: protocol.KindUnauthorized, Msg: "agent " + hello.AgentID + " is outside this session"})
		return false
	}

	c := cn.c
	c.clientID = hello.ClientID
	c.role = hello.Role
	c.agentID = hello.AgentID
	c.paneID = hello.PaneID
	if c.paneID == "" && c.agentID != "" {
		c.paneID = session.PaneFromAgentID(c.agentID)
	}
	c.log = cn.log.With().Str("role", string(c.role)).Str("client_id", c.clientID).Str("agent_id", c.agentID).Logger()

	cn.state = stateActive
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	return cn.registry.post(attachEvent{c: c})
}

func (cn *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cn.ws.Close()
	}()

	for {
		select {
		case _, ok := <-cn.c.out.Ready():
			if !ok {
				return
			}
			for _, frame := range cn.c.out.Drain() {
				_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := cn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					cn.log.Debug().Err(err).Msg("write failed")
					return
				}
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cn.done:
			return
		}
	}
}

// fail closes the socket with a close frame describing err. A nil err is a
// normal shutdown.
func (cn *conn) fail(err error) {
	code, text := websocket.CloseNormalClosure, "hub shutting down"
	if err != nil {
		code, text = websocket.ClosePolicyViolation, err.Error()
		if len(text) > 120 {
			text = text[:120]
		}
		cn.log.Warn().Err(err).Msg("closing connection")
	}
	_ = cn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = cn.ws.Close()
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		_ = cn.ws.Close()
		if cn.state == stateActive {
			cn.registry.post(detachEvent{c: cn.c})
			return
		}
		cn.c.out.Close()
	})
}
