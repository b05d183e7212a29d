// Package client is the console side of the relay: a Sender reading
// commands and a Receiver displaying inbound messages over one connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"chatrelay/protocol"

	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionLost = errors.New("connection to the server lost")
	ErrServer      = errors.New("server refused the session")
)

type Config struct {
	Name        string
	Password    string
	SettleDelay time.Duration
	Colours     bool
}

// Session is an identified connection to the server.
type Session struct {
	conn   net.Conn
	frames *protocol.Reader
	config Config
	log    *slog.Logger
}

// Dial connects to address and identifies as config.Name.
func Dial(ctx context.Context, address string, config Config, log *slog.Logger) (*Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	s, err := NewSession(ctx, conn, config, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession sends presence on conn and waits for the server's verdict.
func NewSession(ctx context.Context, conn net.Conn, config Config, log *slog.Logger) (*Session, error) {
	s := &Session{
		conn:   conn,
		frames: protocol.NewReader(conn),
		config: config,
		log:    log.With("account", config.Name),
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	presence := protocol.NewPresence(config.Name, config.Password)
	s.log.Debug("presence", "time", *presence.Time)
	if err := protocol.Write(conn, presence); err != nil {
		return nil, fmt.Errorf("%w: send presence: %v", ErrSessionLost, err)
	}

	reply, err := s.frames.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read presence response: %v", ErrSessionLost, err)
	}
	if err := checkResponse(reply); err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	s.log.Info("session established", "remote", conn.RemoteAddr().String())
	return s, nil
}

func checkResponse(reply protocol.Message) error {
	switch reply.Response {
	case protocol.StatusOK:
		return nil
	case protocol.StatusBadRequest:
		return fmt.Errorf("%w: 400 : %s", ErrServer, reply.Error)
	case 0:
		return fmt.Errorf("%w: response has no code", protocol.ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: unexpected response %d", ErrServer, reply.Response)
	}
}

func (s *Session) Name() string {
	return s.config.Name
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// Run drives the Sender on console input and the Receiver on the
// connection until either one ends. The connection is closed on return.
// A user exit returns nil.
func (s *Session) Run(ctx context.Context, console io.Reader, display io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()

	display = &syncWriter{w: display}
	sender := NewSender(s.conn, s.config.Name, s.config.SettleDelay, display, s.log)
	receiver := NewReceiver(s.frames, s.config.Name, display, s.config.Colours, s.log)
	sender.beforeExit = receiver.ExpectClose

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sender.Run(ctx, console)
	})
	g.Go(func() error {
		defer cancel()
		return receiver.Run(ctx)
	})
	return g.Wait()
}

// syncWriter serializes console output from the Sender and the Receiver.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
