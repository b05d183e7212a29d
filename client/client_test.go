package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/logging"
	"chatrelay/protocol"
	"chatrelay/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// lockedBuffer is a bytes.Buffer safe to poll while a session writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func frames(t *testing.T, msgs ...protocol.Message) string {
	t.Helper()
	var b strings.Builder
	for _, msg := range msgs {
		require.NoError(t, protocol.Write(&b, msg))
	}
	return b.String()
}

func readAll(t *testing.T, data []byte) []protocol.Message {
	t.Helper()
	reader := protocol.NewReader(bytes.NewReader(data))
	var msgs []protocol.Message
	for {
		msg, err := reader.ReadMessage()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

// fakeServer answers the presence on the far end of a pipe with reply.
func fakeServer(t *testing.T, reply protocol.Message) (net.Conn, <-chan protocol.Message) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	presence := make(chan protocol.Message, 1)
	go func() {
		msg, err := protocol.NewReader(remote).ReadMessage()
		if err != nil {
			return
		}
		presence <- msg
		protocol.Write(remote, reply)
	}()
	return local, presence
}

func TestNewSessionAccepted(t *testing.T) {
	conn, presence := fakeServer(t, protocol.NewResponse(protocol.StatusOK))

	s, err := NewSession(context.Background(), conn, Config{Name: "alice", Password: "pw"}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Name())

	msg := <-presence
	assert.Equal(t, protocol.ActionPresence, msg.Action)
	assert.NotZero(t, msg.Time)
	assert.Equal(t, "alice", msg.User.Name())
	assert.Equal(t, "pw", msg.User.Password)
}

func TestNewSessionRejected(t *testing.T) {
	conn, _ := fakeServer(t, protocol.NewError("Account name is already in use."))

	_, err := NewSession(context.Background(), conn, Config{Name: "alice"}, logging.Discard())
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "400 : Account name is already in use.")
}

func TestNewSessionWithoutResponseCode(t *testing.T) {
	conn, _ := fakeServer(t, protocol.Message{Action: protocol.ActionMessage})

	_, err := NewSession(context.Background(), conn, Config{Name: "alice"}, logging.Discard())
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}

func TestNewSessionCancelled(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	go io.Copy(io.Discard, remote)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewSession(ctx, local, Config{Name: "alice"}, logging.Discard())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiverShowsOnlyOwnMessages(t *testing.T) {
	stream := frames(t,
		protocol.NewChat("carol", "alice", "hi alice"),
		protocol.NewChat("carol", "bob", "hi bob"),
		protocol.NewResponse(protocol.StatusOK),
		protocol.Message{Action: protocol.ActionMessage, Sender: "carol", Destination: "alice"},
		protocol.NewChat("dave", "alice", "second"),
	)
	var display bytes.Buffer
	receiver := NewReceiver(protocol.NewReader(strings.NewReader(stream)), "alice", &display, false, logging.Discard())

	err := receiver.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionLost)

	out := display.String()
	assert.Contains(t, out, "Message from carol:\nhi alice\n")
	assert.Contains(t, out, "Message from dave:\nsecond\n")
	assert.NotContains(t, out, "hi bob")
}

func TestReceiverStopsOnGarbage(t *testing.T) {
	var display bytes.Buffer
	receiver := NewReceiver(protocol.NewReader(strings.NewReader("garbage\n")), "alice", &display, false, logging.Discard())

	err := receiver.Run(context.Background())
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	assert.Empty(t, display.String())
}

func TestReceiverExpectedClose(t *testing.T) {
	receiver := NewReceiver(protocol.NewReader(strings.NewReader("")), "alice", io.Discard, false, logging.Discard())
	receiver.ExpectClose()
	assert.NoError(t, receiver.Run(context.Background()))
}

func TestSenderMessageAndExit(t *testing.T) {
	var conn, display bytes.Buffer
	sender := NewSender(&conn, "alice", 0, &display, logging.Discard())

	err := sender.Run(context.Background(), strings.NewReader("message\nbob\nhello there\nexit\n"))
	require.NoError(t, err)

	sent := readAll(t, conn.Bytes())
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.ActionMessage, sent[0].Action)
	assert.Equal(t, "alice", sent[0].Sender)
	assert.Equal(t, "bob", sent[0].Destination)
	assert.Equal(t, "hello there", sent[0].MessageText)
	assert.NotZero(t, sent[0].Time)
	assert.Equal(t, protocol.ActionExit, sent[1].Action)
	assert.Equal(t, "alice", sent[1].AccountName)

	assert.Contains(t, display.String(), "Closing connection.")
}

func TestSenderHelpAndUnknownCommand(t *testing.T) {
	var conn, display bytes.Buffer
	sender := NewSender(&conn, "alice", 0, &display, logging.Discard())

	require.NoError(t, sender.Run(context.Background(), strings.NewReader("help\ndance\n\nmessage\n\nhi\n")))

	out := display.String()
	assert.Equal(t, 2, strings.Count(out, "Supported commands:"))
	assert.Contains(t, out, "Unknown command")
	assert.Contains(t, out, "Recipient and message must not be empty.")

	// end of input counts as exit
	sent := readAll(t, conn.Bytes())
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionExit, sent[0].Action)
}

func TestSenderTransmitFailureIsFatal(t *testing.T) {
	sender := NewSender(failingWriter{}, "alice", 0, io.Discard, logging.Discard())

	err := sender.Run(context.Background(), strings.NewReader("message\nbob\nhi\nhelp\n"))
	assert.ErrorIs(t, err, ErrSessionLost)
}

func TestSenderExitIgnoresTransmitFailure(t *testing.T) {
	sender := NewSender(failingWriter{}, "alice", 50*time.Millisecond, io.Discard, logging.Discard())

	start := time.Now()
	require.NoError(t, sender.Run(context.Background(), strings.NewReader("exit\n")))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSenderStopsOnCancel(t *testing.T) {
	console, _ := io.Pipe()
	sender := NewSender(io.Discard, "alice", 0, io.Discard, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Run(ctx, console) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("sender did not stop")
	}
}

func TestRunEndsWhenServerCloses(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	go func() {
		reader := protocol.NewReader(remote)
		if _, err := reader.ReadMessage(); err != nil {
			return
		}
		protocol.Write(remote, protocol.NewResponse(protocol.StatusOK))
		remote.Close()
	}()

	s, err := NewSession(context.Background(), local, Config{Name: "alice"}, logging.Discard())
	require.NoError(t, err)

	console, _ := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), console, io.Discard) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionLost)
	case <-time.After(testTimeout):
		t.Fatal("session did not end")
	}
}

// memoryDirectory is the smallest Directory a relay can run with.
type memoryDirectory struct {
	mu       sync.Mutex
	users    map[string]bool
	contacts map[string][]string
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{users: map[string]bool{}, contacts: map[string][]string{}}
}

func (d *memoryDirectory) Login(name, _ string, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[name] = true
	return nil
}

func (d *memoryDirectory) Logout(string) error { return nil }

func (d *memoryDirectory) Contacts(name string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contacts[name], nil
}

func (d *memoryDirectory) AddContact(owner, contact string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[owner] = append(d.contacts[owner], contact)
	return nil
}

func (d *memoryDirectory) RemoveContact(string, string) error { return nil }

func (d *memoryDirectory) KnownUsers() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name := range d.users {
		names = append(names, name)
	}
	return names, nil
}

func TestChatBetweenTwoClients(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	metrics := server.NewMetrics(prometheus.NewRegistry())
	srv := server.New(newMemoryDirectory(), &server.ServerConfig{}, logging.Discard(), server.WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx, listener)
	}()
	defer func() {
		cancel()
		<-served
	}()

	addr := listener.Addr().String()
	dctx, dcancel := context.WithTimeout(context.Background(), testTimeout)
	defer dcancel()

	bob, err := Dial(dctx, addr, Config{Name: "bob", Colours: true}, logging.Discard())
	require.NoError(t, err)
	bobConsole, bobTyping := io.Pipe()
	bobDisplay := &lockedBuffer{}
	bobDone := make(chan error, 1)
	go func() { bobDone <- bob.Run(context.Background(), bobConsole, bobDisplay) }()

	_, err = Dial(dctx, addr, Config{Name: "bob"}, logging.Discard())
	require.ErrorIs(t, err, ErrServer)

	alice, err := Dial(dctx, addr, Config{Name: "alice"}, logging.Discard())
	require.NoError(t, err)
	aliceConsole, aliceTyping := io.Pipe()
	aliceDisplay := &lockedBuffer{}
	aliceDone := make(chan error, 1)
	go func() { aliceDone <- alice.Run(context.Background(), aliceConsole, aliceDisplay) }()

	_, err = io.WriteString(aliceTyping, "message\nbob\nhi\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(bobDisplay.String(), "hi")
	}, testTimeout, 10*time.Millisecond)
	assert.Contains(t, bobDisplay.String(), "alice")

	bobTyping.Close()
	select {
	case err := <-bobDone:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("bob's session did not end")
	}
	require.Eventually(t, func() bool {
		st, err := srv.Stats(context.Background())
		return err == nil && st.Sessions == 1
	}, testTimeout, 10*time.Millisecond)

	// bob is gone: the message is dropped and alice hears nothing back
	_, err = io.WriteString(aliceTyping, "message\nbob\nstill there?\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("unknown_destination")) == 1
	}, testTimeout, 10*time.Millisecond)
	st, err := srv.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, st.Users)
	assert.NotContains(t, aliceDisplay.String(), "Message from")

	_, err = io.WriteString(aliceTyping, "exit\n")
	require.NoError(t, err)
	select {
	case err := <-aliceDone:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("alice's session did not end")
	}

	require.Eventually(t, func() bool {
		st, err := srv.Stats(context.Background())
		return err == nil && st.Sessions == 0
	}, testTimeout, 10*time.Millisecond)
}
