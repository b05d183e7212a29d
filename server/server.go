package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"chatrelay/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNameCollision = errors.New("account name already in use")
	ErrSessionLost   = errors.New("session lost")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNotASocket    = errors.New("path exists and is not a socket")
)

type ServerConfig struct {
	PollTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboundBuffer int
}

// Server is the relay. One goroutine, the event loop started by Serve,
// owns the connected set, the session table and the pending queue.
type Server struct {
	dir     Directory
	config  *ServerConfig
	log     *slog.Logger
	metrics *Metrics

	conns    map[*conn]struct{}
	sessions *sessionTable
	pending  []protocol.Message

	accepted chan net.Conn
	events   chan event
	queries  chan func()
}

type Option func(*Server)

// WithMetrics replaces the private metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(dir Directory, config *ServerConfig, log *slog.Logger, opts ...Option) *Server {
	if config.PollTimeout <= 0 {
		config.PollTimeout = 500 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 64
	}

	s := &Server{
		dir:      dir,
		config:   config,
		log:      log,
		conns:    make(map[*conn]struct{}),
		sessions: newSessionTable(),
		accepted: make(chan net.Conn),
		events:   make(chan event),
		queries:  make(chan func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return s
}

// ListenAndServe binds address and runs the relay until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	s.log.Info("chat server started", "address", listener.Addr().String())
	return s.Serve(ctx, listener)
}

// Serve runs the event loop on listener until ctx is done. Every
// connection is closed before Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	go s.acceptLoop(ctx, listener)
	s.loop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.PollTimeout):
			}
			continue
		}
		select {
		case s.accepted <- nc:
		case <-ctx.Done():
			nc.Close()
			return
		}
	}
}

func (s *Server) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollTimeout)
	defer ticker.Stop()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("chat server stopping", "connections", len(s.conns), "sessions", s.sessions.len())
			return
		case nc := <-s.accepted:
			s.register(nc, ctx.Done())
		case ev := <-s.events:
			s.handleEvent(ev)
		case query := <-s.queries:
			query()
		case <-ticker.C:
		}
		s.flush()
	}
}

func (s *Server) register(nc net.Conn, stop <-chan struct{}) {
	c := newConn(nc, s.log, s.config.OutboundBuffer, s.config.WriteTimeout)
	s.conns[c] = struct{}{}
	s.metrics.ConnectionsAccepted.Inc()
	c.log.Info("connection established")
	c.start(s.events, stop)
}

func (s *Server) handleEvent(ev event) {
	c := ev.conn
	if _, ok := s.conns[c]; !ok {
		return
	}

	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			c.log.Info("client disconnected", "account", c.name)
		} else {
			c.log.Info("connection lost", "account", c.name, "error", ev.err)
		}
		if errors.Is(ev.err, protocol.ErrFrameTooLarge) {
			s.metrics.ProtocolErrors.WithLabelValues(errorDecode).Inc()
		}
		s.release(c, true)
		return
	}

	msg, err := protocol.Decode(ev.frame)
	if err != nil {
		c.log.Warn("undecodable frame, dropping connection", "error", err)
		s.metrics.ProtocolErrors.WithLabelValues(errorDecode).Inc()
		s.release(c, true)
		return
	}
	s.metrics.FramesReceived.Inc()

	if err := s.dispatch(c, msg); err != nil {
		c.log.Info("dropping connection", "action", msg.Action, "error", err)
		s.release(c, true)
	}
}

// flush drains the pending queue once. Messages that cannot be routed in
// this pass are dropped.
func (s *Server) flush() {
	if len(s.pending) == 0 {
		return
	}
	for _, msg := range s.pending {
		s.route(msg)
	}
	clear(s.pending)
	s.pending = s.pending[:0]
}

func (s *Server) route(msg protocol.Message) {
	target, ok := s.sessions.lookup(msg.Destination)
	if !ok {
		s.log.Error("destination is not registered, message dropped",
			"sender", msg.Sender, "destination", msg.Destination)
		s.metrics.MessagesDropped.WithLabelValues(dropUnknownDestination).Inc()
		return
	}

	frame, err := protocol.Frame(msg)
	if err != nil {
		s.log.Error("cannot encode message", "sender", msg.Sender, "destination", msg.Destination, "error", err)
		s.metrics.MessagesDropped.WithLabelValues(dropEncode).Inc()
		return
	}

	if !target.trySend(frame) {
		target.log.Info("connection to destination lost", "destination", msg.Destination)
		s.metrics.MessagesDropped.WithLabelValues(dropNotWritable).Inc()
		s.release(target, true)
		return
	}

	s.log.Info("message routed", "sender", msg.Sender, "destination", msg.Destination)
	s.metrics.MessagesRouted.Inc()
	if recorder, ok := s.dir.(MessageRecorder); ok {
		if err := recorder.RecordMessage(msg.Sender, msg.Destination); err != nil {
			s.log.Warn("failed to record message", "sender", msg.Sender, "destination", msg.Destination, "error", err)
		}
	}
}

// release removes c from the session table and the connected set and
// closes it. With logout set, a bound account is logged out of the
// directory.
func (s *Server) release(c *conn, logout bool) {
	if name, ok := s.sessions.unbind(c); ok {
		s.metrics.Sessions.Set(float64(s.sessions.len()))
		if logout {
			if err := s.dir.Logout(name); err != nil {
				c.log.Warn("directory logout failed", "account", name, "error", err)
			}
		}
	}
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.metrics.ConnectionsClosed.Inc()
	}
	c.close()
}

func (s *Server) closeAll() {
	for c := range s.conns {
		s.release(c, true)
	}
	s.pending = nil
}

// Stats is a snapshot of the loop's state.
type Stats struct {
	Connections int
	Sessions    int
	Pending     int
	Users       []string
}

func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) +
		",sessions=" + strconv.Itoa(st.Sessions) +
		",users=" + strings.Join(st.Users, ";")
}

// Stats asks the event loop for a snapshot. It blocks until the loop
// answers or ctx is done.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	query := func() {
		reply <- Stats{
			Connections: len(s.conns),
			Sessions:    s.sessions.len(),
			Pending:     len(s.pending),
			Users:       s.sessions.names(),
		}
	}
	select {
	case s.queries <- query:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
