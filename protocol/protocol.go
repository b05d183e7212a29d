package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidPayload   = errors.New("invalid payload: message must be a mapping")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
)

// MaxFrameSize bounds one encoded message including its terminator.
const MaxFrameSize = 1024

// Actions
const (
	ActionPresence      = "presence"
	ActionMessage       = "message"
	ActionExit          = "exit"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add_contact"
	ActionRemoveContact = "remove_contact"
	ActionUsersRequest  = "users_request"
)

// Response codes
const (
	StatusOK         = 200
	StatusAccepted   = 202
	StatusBadRequest = 400
)

// Message is the single envelope exchanged on the wire. Requests carry an
// Action; replies carry a Response code. Keys the typed fields cannot hold,
// unknown ones or known ones with a value of the wrong type, are kept raw
// in Extra and written back out unchanged.
type Message struct {
	Action      string   `json:"action,omitempty"`
	Time        *float64 `json:"time,omitempty"`
	User        *User    `json:"user,omitempty"`
	AccountName string   `json:"account_name,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Destination string   `json:"destination,omitempty"`
	MessageText string   `json:"message_text,omitempty"`
	Response    int      `json:"response,omitempty"`
	Error       string   `json:"error,omitempty"`
	ListInfo    []string `json:"list_info,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// plainMessage has Message's fields without its methods.
type plainMessage Message

func (m Message) MarshalJSON() ([]byte, error) {
	data, err := marshal(plainMessage(m))
	if err != nil || len(m.Extra) == 0 {
		return data, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for key, raw := range m.Extra {
		if _, typed := fields[key]; !typed {
			fields[key] = raw
		}
	}
	return marshal(fields)
}

// User is the "user" field. Presence sends it as an object, contact
// requests send the bare account name.
type User struct {
	AccountName string
	Password    string
	bare        bool
}

type userObject struct {
	AccountName string `json:"account_name"`
	Password    string `json:"password,omitempty"`
}

// NewUser returns the object form used by presence.
func NewUser(name string) *User {
	return &User{AccountName: name}
}

// UserRef returns the bare-name form used by contact requests.
func UserRef(name string) *User {
	return &User{AccountName: name, bare: true}
}

func (u User) MarshalJSON() ([]byte, error) {
	if u.bare {
		return json.Marshal(u.AccountName)
	}
	return json.Marshal(userObject{AccountName: u.AccountName, Password: u.Password})
}

// IsRef reports whether the user was given as a bare account name.
func (u *User) IsRef() bool {
	return u != nil && u.bare
}

func (u *User) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		u.bare = true
		u.Password = ""
		return json.Unmarshal(data, &u.AccountName)
	}
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: user must be an object or a name", ErrMalformedMessage)
	}
	var obj userObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	u.AccountName = obj.AccountName
	u.Password = obj.Password
	u.bare = false
	return nil
}

// Name returns the account name or "" for a nil user.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	return u.AccountName
}

// Now returns the current time as a message timestamp.
func Now() *float64 {
	return Timestamp(float64(time.Now().UnixNano()) / float64(time.Second))
}

// Timestamp returns sec, fractional unix seconds, as a message timestamp.
func Timestamp(sec float64) *float64 {
	return &sec
}

func NewResponse(code int) Message {
	return Message{Response: code}
}

func NewError(text string) Message {
	return Message{Response: StatusBadRequest, Error: text}
}

func NewList(items []string) Message {
	return Message{Response: StatusAccepted, ListInfo: items}
}

func NewPresence(name, password string) Message {
	user := NewUser(name)
	user.Password = password
	return Message{Action: ActionPresence, Time: Now(), User: user}
}

func NewChat(sender, destination, text string) Message {
	return Message{
		Action:      ActionMessage,
		Sender:      sender,
		Destination: destination,
		Time:        Now(),
		MessageText: text,
	}
}

func NewExit(name string) Message {
	return Message{Action: ActionExit, Time: Now(), AccountName: name}
}

// Encode serializes a message mapping. Anything other than a Message or a
// string-keyed map is rejected with ErrInvalidPayload.
func Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case Message:
		return marshal(m)
	case *Message:
		if m == nil {
			return nil, ErrInvalidPayload
		}
		return marshal(m)
	case map[string]any:
		if m == nil {
			return nil, ErrInvalidPayload
		}
		data, err := marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return data, nil
	default:
		return nil, ErrInvalidPayload
	}
}

// marshal is json.Marshal without HTML escaping, so a relayed message keeps
// the size it had on the way in.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses one frame. Anything but a JSON object is malformed; an
// object whose keys do not fit Message still decodes, the misfits landing
// in Extra.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, ErrMalformedMessage
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	for key, raw := range fields {
		if !msg.set(key, raw) {
			if msg.Extra == nil {
				msg.Extra = map[string]json.RawMessage{}
			}
			msg.Extra[key] = raw
		}
	}
	return msg, nil
}

// set stores raw in the field named key. It reports false for unknown keys
// and for values of the wrong type, leaving the field untouched.
func (m *Message) set(key string, raw json.RawMessage) bool {
	switch key {
	case "action":
		return setField(raw, &m.Action)
	case "time":
		return setField(raw, &m.Time)
	case "user":
		return setField(raw, &m.User)
	case "account_name":
		return setField(raw, &m.AccountName)
	case "sender":
		return setField(raw, &m.Sender)
	case "destination":
		return setField(raw, &m.Destination)
	case "message_text":
		return setField(raw, &m.MessageText)
	case "response":
		return setField(raw, &m.Response)
	case "error":
		return setField(raw, &m.Error)
	case "list_info":
		return setField(raw, &m.ListInfo)
	}
	return false
}

func setField[T any](raw json.RawMessage, dst *T) bool {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

// Write encodes msg and writes it as one newline-terminated frame.
func Write(w io.Writer, msg Message) error {
	frame, err := Frame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Frame encodes msg with its terminator and enforces MaxFrameSize.
func Frame(msg Message) ([]byte, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if len(data)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

// Reader splits a stream into newline-terminated frames. A peer that writes
// a bare JSON object without the terminator is never answered: the frame
// stays incomplete until the newline or the connection close arrives.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, MaxFrameSize), MaxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next non-empty frame. The returned slice is owned by the
// caller. io.EOF signals a clean close.
func (r *Reader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSuffix(r.scanner.Bytes(), []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// ReadMessage reads and decodes the next frame.
func (r *Reader) ReadMessage() (Message, error) {
	frame, err := r.Next()
	if err != nil {
		return Message{}, err
	}
	return Decode(frame)
}
