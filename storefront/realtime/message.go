package realtime

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the envelope kind carried on the wire.
type Kind string

const (
	KindSystem    Kind = "system"
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindError     Kind = "error"
)

// Message is the realtime envelope:
//
//	{"kind": "system"|"user"|"assistant"|"error", "message": "...", "timestamp": <epoch millis>}
//
// The manager never interprets Text.
type Message struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage stamps a message with at.
func NewMessage(kind Kind, text string, at time.Time) Message {
	return Message{Kind: kind, Text: text, Timestamp: at.UnixMilli()}
}

// Time returns the message timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ErrNotConnected is reported when Send is called outside the Connected state.
var ErrNotConnected = errors.New("realtime channel not connected")

// ChannelError is a realtime failure. It is delivered to subscribers' onError
// callbacks and never returned or panicked across the Manager API.
type ChannelError struct {
	// Op is one of "connect", "send" or "receive".
	Op        string
	Attempt   int
	Timestamp time.Time
	Err       error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("realtime %s failed", e.Op)
	}
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Message renders the error as an error-kind envelope.
func (e *ChannelError) Message() Message {
	return NewMessage(KindError, e.Error(), e.Timestamp)
}
