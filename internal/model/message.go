package model

import "time"

// TombstoneContent replaces the content of a soft-deleted message. The server
// substitutes the same text when it rewrites the row, so a reloaded room and a
// live delete event render identically.
const TombstoneContent = "このメッセージは削除されました"

// ReactionEntry is one user's current reaction to a message. A message holds
// at most one entry per user; a new reaction replaces the old one.
type ReactionEntry struct {
	UserID int64  `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// Message is a single chat message scoped to a room. ReadAt is nil until the
// counterpart has read the message; once set it never changes.
type Message struct {
	ID        int64           `json:"id"`
	RoomID    int64           `json:"room_id"`
	SenderID  int64           `json:"sender_id"`
	Content   string          `json:"content"`
	ReadAt    *time.Time      `json:"read_at"`
	Reactions []ReactionEntry `json:"reactions,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.Content == TombstoneContent
}

// ReactionFor returns the user's current reaction emoji, if any.
func (m *Message) ReactionFor(userID int64) (string, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID {
			return r.Emoji, true
		}
	}
	return "", false
}
