package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chatrelay/protocol"
)

const helpText = `Supported commands:
message - send a message. Recipient and text are asked for separately.
help - print this help
exit - leave the chat`

// Sender turns console commands into requests. It only ever writes to the
// connection.
type Sender struct {
	conn    io.Writer
	name    string
	settle  time.Duration
	display io.Writer
	log     *slog.Logger

	// beforeExit runs before the exit notice is sent.
	beforeExit func()
}

func NewSender(conn io.Writer, name string, settle time.Duration, display io.Writer, log *slog.Logger) *Sender {
	return &Sender{conn: conn, name: name, settle: settle, display: display, log: log}
}

// Run reads commands until exit, end of console input, a transmit failure
// or ctx cancellation. Only a transmit failure is returned as an error.
func (s *Sender) Run(ctx context.Context, console io.Reader) error {
	lines := readLines(ctx, console)
	fmt.Fprintln(s.display, helpText)

	for {
		command, err := s.prompt(ctx, lines, "Command: ")
		if errors.Is(err, io.EOF) {
			return s.exit(ctx)
		}
		if err != nil {
			return nil
		}

		switch strings.TrimSpace(command) {
		case "message":
			if err := s.message(ctx, lines); errors.Is(err, io.EOF) {
				return s.exit(ctx)
			} else if errors.Is(err, ErrSessionLost) {
				return err
			} else if err != nil {
				return nil
			}
		case "help":
			fmt.Fprintln(s.display, helpText)
		case "exit":
			return s.exit(ctx)
		case "":
		default:
			fmt.Fprintln(s.display, "Unknown command, try again. help lists the supported commands.")
		}
	}
}

func (s *Sender) prompt(ctx context.Context, lines <-chan string, text string) (string, error) {
	fmt.Fprint(s.display, text)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

func (s *Sender) message(ctx context.Context, lines <-chan string) error {
	to, err := s.prompt(ctx, lines, "Recipient: ")
	if err != nil {
		return err
	}
	text, err := s.prompt(ctx, lines, "Message: ")
	if err != nil {
		return err
	}

	to = strings.TrimSpace(to)
	if to == "" || text == "" {
		fmt.Fprintln(s.display, "Recipient and message must not be empty.")
		return nil
	}

	if err := protocol.Write(s.conn, protocol.NewChat(s.name, to, text)); err != nil {
		s.log.Error("connection to the server lost", "error", err)
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	s.log.Info("message sent", "destination", to)
	return nil
}

// exit tells the server we are leaving and gives the notice time to arrive
// before the connection is torn down.
func (s *Sender) exit(ctx context.Context) error {
	if s.beforeExit != nil {
		s.beforeExit()
	}
	if err := protocol.Write(s.conn, protocol.NewExit(s.name)); err != nil {
		s.log.Debug("exit notice not sent", "error", err)
	}
	fmt.Fprintln(s.display, "Closing connection.")
	s.log.Info("leaving on user command")

	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
	}
	return nil
}

// readLines feeds console lines to a channel that is closed at end of input.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSuffix(scanner.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
