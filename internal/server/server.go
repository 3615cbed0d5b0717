// ABOUTME: Unix-socket transport: JSON-line framing, command queue, reaping
// ABOUTME: Disconnects surface as one KillSocket event per dead connection

package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/candlewick/feedd/internal/event"
)

// Request is one decoded client command awaiting dispatch.
type Request struct {
	Socket string
	Cmd    string
	Args   json.RawMessage
}

type wireRequest struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

type wireResponse struct {
	Reply string `json:"reply"`
	Data  any    `json:"data"`
}

// queueDepth bounds buffered inbound commands across all connections.
const queueDepth = 256

type conn struct {
	id string
	c  net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu   sync.Mutex
	dead bool
}

func (cn *conn) markDead() {
	cn.mu.Lock()
	cn.dead = true
	cn.mu.Unlock()
}

func (cn *conn) isDead() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.dead
}

// Server listens on a unix socket and feeds decoded requests to the
// dispatch loop through a bounded queue. One message per line:
// {"cmd": NAME, "args": ...} in, {"reply": NAME, "data": ...} out.
type Server struct {
	listener net.Listener
	bus      *event.Bus
	logger   *slog.Logger
	queue    chan Request

	mu    sync.Mutex
	conns map[string]*conn

	closeOnce sync.Once
}

// Listen binds the socket at path, replacing any stale socket file,
// and starts accepting connections.
func Listen(path string, bus *event.Bus, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	s := &Server{
		listener: listener,
		bus:      bus,
		logger:   logger.With("component", "server"),
		queue:    make(chan Request, queueDepth),
		conns:    make(map[string]*conn),
	}
	go s.acceptLoop()

	s.logger.Info("listening", "path", path)
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		cn := &conn{
			id:  uuid.New().String(),
			c:   c,
			enc: json.NewEncoder(c),
		}
		s.mu.Lock()
		s.conns[cn.id] = cn
		s.mu.Unlock()

		s.logger.Debug("client connected", "socket", cn.id)
		go s.readLoop(cn)
	}
}

func (s *Server) readLoop(cn *conn) {
	scanner := bufio.NewScanner(cn.c)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("undecodable request", "socket", cn.id, "error", err)
			continue
		}
		s.queue <- Request{Socket: cn.id, Cmd: req.Cmd, Args: req.Args}
	}

	// EOF or read error: the dispatch loop reaps this connection on
	// its next housekeeping pass.
	cn.markDead()
}

// Next pops one queued request without blocking.
func (s *Server) Next() (Request, bool) {
	select {
	case req := <-s.queue:
		return req, true
	default:
		return Request{}, false
	}
}

// Write encodes one response to the named socket. Writes to a dead or
// unknown socket are dropped silently.
func (s *Server) Write(socket, reply string, data any) {
	s.mu.Lock()
	cn, ok := s.conns[socket]
	s.mu.Unlock()
	if !ok || cn.isDead() {
		return
	}

	cn.writeMu.Lock()
	err := cn.enc.Encode(wireResponse{Reply: reply, Data: data})
	cn.writeMu.Unlock()

	if err != nil {
		s.logger.Debug("write failed", "socket", socket, "error", err)
		cn.markDead()
	}
}

// CheckConns reaps connections whose reader has died, publishing one
// KillSocket per reaped connection. Called from the dispatch loop's
// housekeeping phase so cleanup runs synchronously with dispatch.
func (s *Server) CheckConns() {
	s.mu.Lock()
	var reaped []*conn
	for id, cn := range s.conns {
		if cn.isDead() {
			delete(s.conns, id)
			reaped = append(reaped, cn)
		}
	}
	s.mu.Unlock()

	for _, cn := range reaped {
		cn.c.Close()
		s.logger.Debug("client disconnected", "socket", cn.id)
		s.bus.Publish(event.KillSocket{Socket: cn.id})
	}
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
		s.mu.Lock()
		for id, cn := range s.conns {
			cn.c.Close()
			delete(s.conns, id)
		}
		s.mu.Unlock()
	})
	return err
}
