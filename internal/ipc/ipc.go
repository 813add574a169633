// Package ipc serves the control-plane Unix domain socket: a
// request/response channel for spawn_agent/spawn_swarm/check_workers/
// merge_results/pause_queue/resume_queue/cancel_worker/kill_supervisor,
// plus an unsolicited broadcast of every non-log bus event to every
// connected client. Frames are UTF-8 JSON objects terminated by a
// configurable multi-byte sentinel rather than a newline, per the
// external wire contract.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rileywarren/codex-swarm/internal/eventbus"
	"github.com/rileywarren/codex-swarm/internal/logging"
	"github.com/rileywarren/codex-swarm/internal/model"
)

var log = logging.Get("ipc")

const defaultTerminator = "\n---MSG_END---\n"

// Handler processes one inbound IPCMessage and returns the reply
// payload to frame back to the client, or nil to send nothing.
type Handler func(ctx context.Context, msg model.IPCMessage) *model.IPCMessage

// Server is a Unix-domain-socket IPC server with sentinel-framed
// messages and a bus-driven broadcast of lifecycle events.
type Server struct {
	socketPath string
	terminator []byte
	handler    Handler
	bus        *eventbus.Bus

	mu       sync.Mutex
	listener net.Listener
	clients  map[*client]struct{}
}

type client struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *client) writeFrame(terminator []byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(payload); err != nil {
		return err
	}
	_, err := c.conn.Write(terminator)
	return err
}

// New returns a Server bound to socketPath once Start is called, using
// terminator (or defaultTerminator if empty) as the frame delimiter and
// handler to answer request-type messages.
func New(socketPath, terminator string, bus *eventbus.Bus, handler Handler) *Server {
	if terminator == "" {
		terminator = defaultTerminator
	}
	return &Server{
		socketPath: socketPath,
		terminator: []byte(terminator),
		handler:    handler,
		bus:        bus,
		clients:    make(map[*client]struct{}),
	}
}

// Start removes any stale socket file, binds the listener, and begins
// accepting clients and relaying bus events in background goroutines.
// It returns once the listener is live; shutdown happens via Stop.
func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = listener

	go s.acceptLoop(ctx)
	go s.relayBusEvents(ctx)

	log.Info().Str("socket", s.socketPath).Msg("ipc server listening")
	return nil
}

// Stop closes the listener, every client connection, and removes the
// socket file.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &client{conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.handleClient(ctx, c)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) handleClient(ctx context.Context, c *client) {
	defer s.removeClient(c)

	reader := bufio.NewReader(c.conn)
	for {
		raw, err := readUntilSentinel(reader, s.terminator)
		if err != nil {
			return
		}

		chunk := bytes.TrimSpace(raw)
		if len(chunk) == 0 {
			continue
		}

		var msg model.IPCMessage
		if jsonErr := json.Unmarshal(chunk, &msg); jsonErr != nil {
			s.sendError(c, fmt.Sprintf("invalid message: %v", jsonErr))
			continue
		}

		if s.handler == nil {
			s.sendError(c, "no handler registered")
			continue
		}

		reply := s.handler(ctx, msg)
		if reply == nil {
			continue
		}
		s.send(c, *reply)
	}
}

// readUntilSentinel reads from r until terminator is found, returning
// the bytes preceding it (terminator excluded). bufio.Reader buffers
// internally so a multi-byte sentinel split across reads is handled
// correctly by scanning the growable buffer rather than a fixed window.
func readUntilSentinel(r *bufio.Reader, terminator []byte) ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		data := buf.Bytes()
		if len(data) >= len(terminator) && bytes.Equal(data[len(data)-len(terminator):], terminator) {
			return data[:len(data)-len(terminator)], nil
		}
	}
}

func (s *Server) send(c *client, msg model.IPCMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("marshal outbound ipc message")
		return
	}
	if err := c.writeFrame(s.terminator, body); err != nil {
		log.Debug().Err(err).Msg("write to ipc client failed, dropping")
	}
}

func (s *Server) sendError(c *client, message string) {
	s.send(c, model.IPCMessage{
		Type:      "error",
		Payload:   map[string]any{"message": message},
		ID:        uuid.NewString(),
		Timestamp: timestamp(),
	})
}

// Broadcast sends msg to every currently connected client. A client
// whose write fails (a stale or slow-draining writer) is dropped rather
// than letting the broadcast stall on it.
func (s *Server) Broadcast(msg model.IPCMessage) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("marshal broadcast ipc message")
		return
	}

	for _, c := range targets {
		if err := c.writeFrame(s.terminator, body); err != nil {
			log.Debug().Err(err).Msg("broadcast to ipc client failed, dropping")
			s.removeClient(c)
		}
	}
}

// relayBusEvents forwards every non-"log" bus event to IPC clients as
// an unsolicited "event" message, until ctx is cancelled.
func (s *Server) relayBusEvents(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		sub.Close()
		close(done)
	}()

	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		if ev.EventType == "log" {
			continue
		}
		s.Broadcast(model.IPCMessage{
			Type:      "event",
			Payload:   map[string]any{"event_type": ev.EventType, "payload": ev.Payload},
			ID:        uuid.NewString(),
			Timestamp: timestamp(),
		})
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
