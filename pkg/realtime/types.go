package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// State is the connection manager's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Terminated
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CloseKind is how a connection ended, as far as recovery is concerned.
type CloseKind int

const (
	// ClosePlanned is a deliberate swap; reconnect at once.
	ClosePlanned CloseKind = iota + 1
	// CloseAuthRejected means the server refused the credential.
	CloseAuthRejected
	// CloseOther is anything else; reconnect with backoff.
	CloseOther
)

func (k CloseKind) String() string {
	switch k {
	case ClosePlanned:
		return "planned"
	case CloseAuthRejected:
		return "auth_rejected"
	default:
		return "other"
	}
}

// CloseError carries the classified reason a connection ended or could not
// be opened.
type CloseError struct {
	Kind   CloseKind
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime closed (%s, code %d %q): %v", e.Kind, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("realtime closed (%s, code %d %q)", e.Kind, e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Classify returns the CloseKind carried by err, or CloseOther.
func Classify(err error) CloseKind {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return CloseOther
}

// Conn is one open realtime connection.
type Conn interface {
	// ReadMessage blocks for the next message. Once the connection ends it
	// returns an error, a *CloseError when the adapter could classify it.
	ReadMessage() ([]byte, error)
	// Close ends the connection, telling the server why.
	Close(kind CloseKind) error
}

// Dialer opens a connection authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// TypeSessionRevoked is the envelope type the server pushes when it ends the
// session from its side.
const TypeSessionRevoked = "session.revoked"

// ErrSessionRevoked is reported when the server pushed a revocation.
var ErrSessionRevoked = errors.New("realtime: session revoked by server")

// Message is one pushed event.
type Message struct {
	Type string
	Data json.RawMessage
}

// DecodeMessage reads the {"type": ..., "data": ...} envelope. Payloads that
// are not JSON objects come back with an empty Type.
func DecodeMessage(raw []byte) Message {
	res := gjson.ParseBytes(raw)
	msg := Message{Type: res.Get("type").String()}
	if data := res.Get("data"); data.Exists() {
		msg.Data = json.RawMessage(data.Raw)
	}
	return msg
}
