package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ServeControl answers management commands on a unix socket until ctx is
// done. Commands are single lines: "stats" or "shutdown". shutdown is
// called after the reply to a shutdown command has been written.
func (s *Server) ServeControl(ctx context.Context, path string, shutdown func()) error {
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(path)
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	s.log.Info("control socket listening", "path", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go s.handleControlCommand(ctx, conn, shutdown)
	}
}

func (s *Server) handleControlCommand(ctx context.Context, conn net.Conn, shutdown func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch cmd := strings.TrimSpace(line); cmd {
	case "stats":
		st, err := s.Stats(ctx)
		if err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|" + st.String() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		s.log.Info("shutdown requested over control socket")
		if shutdown != nil {
			shutdown()
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// ControlRequest sends one command to a control socket and returns the
// payload of an OK reply.
func ControlRequest(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != "OK" {
		return "", fmt.Errorf("control command %q: %s", command, payload)
	}
	return payload, nil
}

// removeStaleSocket clears a socket left behind by an earlier run. Anything
// else at path is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotASocket, path)
	}
	return os.Remove(path)
}
