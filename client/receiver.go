package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"chatrelay/protocol"

	"github.com/gookit/color"
)

// Receiver displays chat messages addressed to this account. It only ever
// reads from the connection.
type Receiver struct {
	frames  *protocol.Reader
	name    string
	display io.Writer
	colours bool
	log     *slog.Logger

	leaving atomic.Bool
}

func NewReceiver(frames *protocol.Reader, name string, display io.Writer, colours bool, log *slog.Logger) *Receiver {
	return &Receiver{frames: frames, name: name, display: display, colours: colours, log: log}
}

// ExpectClose marks the coming end of the connection as requested by us.
func (r *Receiver) ExpectClose() {
	r.leaving.Store(true)
}

// Run returns nil once ctx is cancelled or after ExpectClose, and an error
// on any other decode or connection failure.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		msg, err := r.frames.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || r.leaving.Load() {
				return nil
			}
			if errors.Is(err, protocol.ErrMalformedMessage) {
				r.log.Error("cannot decode message from server", "error", err)
				return err
			}
			r.log.Error("connection to the server lost", "error", err)
			return fmt.Errorf("%w: %v", ErrSessionLost, err)
		}

		if !r.accepts(msg) {
			r.log.Error("invalid message from server", "action", msg.Action, "response", msg.Response, "error", msg.Error)
			continue
		}
		r.show(msg)
		r.log.Info("message received", "sender", msg.Sender)
	}
}

func (r *Receiver) accepts(msg protocol.Message) bool {
	return msg.Action == protocol.ActionMessage &&
		msg.Destination == r.name &&
		msg.Sender != "" &&
		msg.MessageText != ""
}

func (r *Receiver) show(msg protocol.Message) {
	header := fmt.Sprintf("Message from %s:", msg.Sender)
	if r.colours {
		header = color.New(color.FgGreen, color.OpBold).Render(header)
	}
	fmt.Fprintf(r.display, "\n%s\n%s\n", header, msg.MessageText)
}
