package ws

import (
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventMessage  EventType = "message"
	EventRead     EventType = "read"
	EventReaction EventType = "reaction"
	EventEdit     EventType = "edit"
	EventDelete   EventType = "delete"
	EventUnread   EventType = "unread"
	EventMention  EventType = "mention"
)

// Envelope is a single inbound event, discriminated by Type. Fields are
// pointers so that a missing required field is distinguishable from a zero
// value; Validate enforces the per-type requirements. An envelope with a
// non-numeric value where an integer is expected already fails JSON decoding
// and never reaches Validate.
type Envelope struct {
	Type EventType `json:"type"`

	// message
	ID       *int64  `json:"id,omitempty"`
	RoomID   *int64  `json:"room_id,omitempty"`
	SenderID *int64  `json:"sender_id,omitempty"`
	Content  *string `json:"content,omitempty"`
	ReadAt   *string `json:"read_at,omitempty"`

	// read / reaction / edit / delete
	MessageID *int64  `json:"message_id,omitempty"`
	UserID    *int64  `json:"user_id,omitempty"`
	Emoji     *string `json:"emoji,omitempty"`

	// unread
	Count *int `json:"count,omitempty"`

	// mention
	From    *int64  `json:"from,omitempty"`
	Message *string `json:"message,omitempty"`
}

// ErrUnknownType is returned by Validate for an unrecognized Type. Callers
// drop such envelopes with a diagnostic instead of failing the pipeline.
var ErrUnknownType = errors.New("unknown event type")

// Validate checks that all fields required for the envelope's type are
// present. It does not check fields the type never reads.
func (e *Envelope) Validate() error {
	switch e.Type {
	case EventMessage:
		return requireFields(map[string]bool{
			"id":        e.ID != nil,
			"room_id":   e.RoomID != nil,
			"sender_id": e.SenderID != nil,
			"content":   e.Content != nil,
		})
	case EventRead:
		return requireFields(map[string]bool{
			"message_id": e.MessageID != nil,
			"read_at":    e.ReadAt != nil,
		})
	case EventReaction:
		return requireFields(map[string]bool{
			"message_id": e.MessageID != nil,
			"user_id":    e.UserID != nil,
			"emoji":      e.Emoji != nil,
		})
	case EventEdit:
		return requireFields(map[string]bool{
			"message_id": e.MessageID != nil,
			"content":    e.Content != nil,
		})
	case EventDelete:
		return requireFields(map[string]bool{
			"message_id": e.MessageID != nil,
		})
	case EventUnread:
		return requireFields(map[string]bool{
			"room_id": e.RoomID != nil,
			"count":   e.Count != nil,
		})
	case EventMention:
		return requireFields(map[string]bool{
			"from":    e.From != nil,
			"room_id": e.RoomID != nil,
			"message": e.Message != nil,
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

func requireFields(fields map[string]bool) error {
	for name, present := range fields {
		if !present {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}

// ReadAtTime parses the envelope's read_at timestamp (RFC 3339).
func (e *Envelope) ReadAtTime() (time.Time, error) {
	if e.ReadAt == nil {
		return time.Time{}, errors.New("read_at not set")
	}
	t, err := time.Parse(time.RFC3339, *e.ReadAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse read_at: %w", err)
	}
	return t, nil
}

// Outbound is what the client sends to the server.
type Outbound struct {
	Type       EventType `json:"type"`
	RoomID     int64     `json:"room_id,omitempty"`
	SenderID   int64     `json:"sender_id,omitempty"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	MessageID  int64     `json:"message_id,omitempty"`
	ReadAt     string    `json:"read_at,omitempty"`
	Emoji      string    `json:"emoji,omitempty"`
}
