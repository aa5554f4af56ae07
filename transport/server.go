// Package transport exposes the service over WebSocket. Each connected
// client receives the event stream as JSON frames and submits commands
// (prompts, permission responses, session control) over the same socket.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/health"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/manager"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20 // prompts can carry pasted code

	// Per-client command budget: sustained rate and burst.
	commandRate  = rate.Limit(10)
	commandBurst = 20

	// sendBufferSize bounds the per-client outbound queue. A client that
	// cannot drain it is disconnected rather than allowed to stall the hub.
	sendBufferSize = 256
)

// Core is the slice of the service the transport drives.
type Core interface {
	SendStreamingPrompt(ctx context.Context, sessionID, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error)
	StartInteractive(ctx context.Context, sessionID, workingDir, prompt string, attachments []string) (*claude.ExecuteResult, error)
	SendToInteractiveSession(sessionID, prompt string, attachments []string) error
	HandlePermissionResponse(sessionID, response string) (bool, error)
	BackgroundSession(sessionID, reason string) (manager.Session, error)
	ForegroundSession(sessionID string) (manager.Session, error)
	KillSession(sessionID, reason string) bool
	CloseSession(sessionID string) bool
	Health() health.Status
}

// Command is one inbound client frame.
type Command struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId,omitempty"`
	WorkingDir  string   `json:"workingDir,omitempty"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	// Interactive asks for a long-lived process whose stdin stays open for
	// follow-up prompts.
	Interactive bool `json:"interactive,omitempty"`
}

// Frame is one outbound server frame. Event frames carry the bus payload;
// ack and error frames answer commands.
type Frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Time      time.Time      `json:"time"`
}

// Server accepts WebSocket clients and bridges them to the service.
type Server struct {
	core Core
	bus  *events.Bus

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
}

// NewServer creates a Server bridging the bus and core.
func NewServer(core Core, bus *events.Bus) *Server {
	return &Server{
		core: core,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP mux: /ws for the socket, /health for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	st := s.core.Health()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("transport").Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(commandRate, commandBurst),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	evCh, unsub := s.bus.Subscribe()

	go s.writePump(c)
	go s.forwardEvents(c, evCh)
	s.readPump(r.Context(), c, unsub)
}

// forwardEvents relays bus events to one client until its subscription
// closes.
func (s *Server) forwardEvents(c *client, evCh <-chan events.Event) {
	for ev := range evCh {
		frame := Frame{
			Type:      string(ev.Type),
			SessionID: ev.SessionID,
			Data:      ev.Data,
			Time:      ev.Time,
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Client too slow; drop it rather than block the bus.
			c.conn.Close()
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, c *client, unsub func()) {
	defer func() {
		unsub()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		// send stays open: forwardEvents may still be draining its
		// subscription. writePump exits via done instead.
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.reply(c, Frame{Type: "error", Error: "malformed command"})
			continue
		}

		if !c.limiter.Allow() {
			s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: "rate limit exceeded"})
			continue
		}

		s.dispatch(ctx, c, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, cmd Command) {
	log := logger.WithComponent("transport")

	switch cmd.Type {
	case "prompt":
		// Responses stream back as bus events; errors are reported directly.
		go func() {
			var err error
			if cmd.Interactive {
				_, err = s.core.StartInteractive(ctx, cmd.SessionID, cmd.WorkingDir, cmd.Content, cmd.Attachments)
			} else {
				_, err = s.core.SendStreamingPrompt(ctx, cmd.SessionID, cmd.WorkingDir, cmd.Content, cmd.Attachments)
			}
			if err != nil {
				s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
			}
		}()

	case "interactivePrompt":
		if err := s.core.SendToInteractiveSession(cmd.SessionID, cmd.Content, cmd.Attachments); err != nil {
			s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
		}

	case "permission":
		approved, err := s.core.HandlePermissionResponse(cmd.SessionID, cmd.Content)
		if err != nil {
			s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		s.reply(c, Frame{Type: "ack", SessionID: cmd.SessionID, Data: map[string]any{
			"approved": approved,
		}})

	case "kill":
		found := s.core.KillSession(cmd.SessionID, cmd.Reason)
		s.reply(c, Frame{Type: "ack", SessionID: cmd.SessionID, Data: map[string]any{
			"found": found,
		}})

	case "close":
		found := s.core.CloseSession(cmd.SessionID)
		s.reply(c, Frame{Type: "ack", SessionID: cmd.SessionID, Data: map[string]any{
			"found": found,
		}})

	case "background":
		sess, err := s.core.BackgroundSession(cmd.SessionID, cmd.Reason)
		if err != nil {
			s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		s.reply(c, Frame{Type: "ack", SessionID: cmd.SessionID, Data: map[string]any{
			"state": string(sess.State),
		}})

	case "foreground":
		sess, err := s.core.ForegroundSession(cmd.SessionID)
		if err != nil {
			s.reply(c, Frame{Type: "error", SessionID: cmd.SessionID, Error: err.Error()})
			return
		}
		s.reply(c, Frame{Type: "ack", SessionID: cmd.SessionID, Data: map[string]any{
			"state": string(sess.State),
		}})

	default:
		log.Debug("unknown command", "type", cmd.Type)
		s.reply(c, Frame{Type: "error", Error: "unknown command type: " + cmd.Type})
	}
}

func (s *Server) reply(c *client, frame Frame) {
	frame.Time = time.Now()
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// ClientCount reports how many sockets are currently connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
