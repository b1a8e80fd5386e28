package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Message types, client to server and server to client.
const (
	TypeLogin        = "login"
	TypeLoginSuccess = "loginSuccess"
	TypeLoginFailure = "loginFailure"
	TypeUserList     = "userList"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "iceCandidate"
	TypeReject       = "reject"
	TypeHangup       = "hangup"
	TypeLogout       = "logout"
	TypeError        = "error"
)

var (
	ErrNotAnObject = errors.New("message is not a json object")
	ErrNoType      = errors.New("message has no type")
)

// CallState is the availability of a participant.
type CallState int

const (
	Available CallState = iota
	Ringing
	InCall
)

func (s CallState) String() string {
	switch s {
	case Available:
		return "Available"
	case Ringing:
		return "Ringing"
	case InCall:
		return "InCall"
	default:
		return "Unknown"
	}
}

// Inbound is a decoded client message.
// Offer, Answer and Candidate are forwarded byte-for-byte.
type Inbound struct {
	Type      string          `json:"type"`
	Username  string          `json:"username,omitempty"`
	Target    string          `json:"target,omitempty"`
	Message   string          `json:"message,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Decode parses one client frame.
func Decode(b []byte) (Inbound, error) {
	var msg Inbound
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return msg, ErrNotAnObject
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return msg, err
	}
	if strings.TrimSpace(msg.Type) == "" {
		return msg, ErrNoType
	}
	return msg, nil
}

// UserStatus is one row of the presence list.
type UserStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Outbound is a server message.
type Outbound struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Username  string          `json:"username,omitempty"`
	Users     []UserStatus    `json:"users,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	Callee    string          `json:"callee,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// MarshalJSON keeps the users field present on presence broadcasts even
// when nobody is left.
func (o Outbound) MarshalJSON() ([]byte, error) {
	type plain Outbound
	if o.Type != TypeUserList {
		return json.Marshal(plain(o))
	}
	users := o.Users
	if users == nil {
		users = []UserStatus{}
	}
	return json.Marshal(struct {
		Type  string       `json:"type"`
		Users []UserStatus `json:"users"`
	}{Type: o.Type, Users: users})
}

// Participant is a read-only copy of a registry entry.
type Participant struct {
	ID    string
	Conn  *Wire
	State CallState
	// Peer is set iff State != Available.
	Peer string
	// Call identifies the current call, shared by both parties.
	Call string
	// Outgoing is true on the caller side of the current call.
	Outgoing bool
}

// Wire is the transport handle of one connection.
// The transport drains TX; the core only ever does non-blocking sends on it.
type Wire struct {
	ID string
	TX chan Outbound

	done chan struct{}
	once sync.Once
}

func NewWire(buf int) *Wire {
	return &Wire{
		ID:   uuid.NewString(),
		TX:   make(chan Outbound, buf),
		done: make(chan struct{}),
	}
}

// Done is closed once the connection is gone.
func (w *Wire) Done() <-chan struct{} { return w.done }

func (w *Wire) Close() {
	w.once.Do(func() { close(w.done) })
}

func (w *Wire) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Delivery is one outbound message addressed to a connection.
type Delivery struct {
	To  *Wire
	Msg Outbound
}
