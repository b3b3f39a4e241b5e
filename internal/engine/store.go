package engine

import (
	"time"

	"github.com/chatclient/internal/model"
)

// messageStore is the ordered-by-arrival message collection for the active
// room. It is owned by the engine's run loop and never touched from another
// goroutine. All mutators return false when the target message is unknown,
// which callers treat as a no-op: an event may legally reference a message
// the snapshot has not delivered yet.
type messageStore struct {
	roomID int64
	list   []*model.Message
	byID   map[int64]*model.Message
}

func newMessageStore() *messageStore {
	return &messageStore{byID: make(map[int64]*model.Message)}
}

// Reset discards everything and reseeds from a snapshot for the given room.
// Messages belonging to other rooms are dropped rather than trusted.
func (s *messageStore) Reset(roomID int64, msgs []model.Message) {
	s.roomID = roomID
	s.list = s.list[:0]
	s.byID = make(map[int64]*model.Message, len(msgs))
	for i := range msgs {
		if msgs[i].RoomID != roomID {
			continue
		}
		m := msgs[i]
		s.list = append(s.list, &m)
		if _, ok := s.byID[m.ID]; !ok {
			s.byID[m.ID] = &m
		}
	}
}

// Append adds a message to the end of the sequence. Rejected when the
// message belongs to another room.
func (s *messageStore) Append(msg model.Message) bool {
	if msg.RoomID != s.roomID {
		return false
	}
	m := msg
	s.list = append(s.list, &m)
	if _, ok := s.byID[m.ID]; !ok {
		s.byID[m.ID] = &m
	}
	return true
}

// PatchContent replaces a message's content in place (edit).
func (s *messageStore) PatchContent(id int64, content string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	m.Content = content
	return true
}

// Tombstone soft-deletes: the record stays, the content becomes the fixed
// marker the server also substitutes.
func (s *messageStore) Tombstone(id int64) bool {
	return s.PatchContent(id, model.TombstoneContent)
}

// HardRemove deletes the record entirely.
func (s *messageStore) HardRemove(id int64) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	kept := s.list[:0]
	for _, m := range s.list {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.list = kept
	return true
}

// MarkRead sets ReadAt once. Read status is monotonic: a message that is
// already read keeps its original timestamp, so duplicate confirmations
// cannot move the displayed read time.
func (s *messageStore) MarkRead(id int64, at time.Time) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	if m.ReadAt != nil {
		return true
	}
	t := at
	m.ReadAt = &t
	return true
}

// UpsertReaction replaces the user's reaction on a message. The replaced
// entry moves to the end of the sequence: the contract is last write wins,
// not last position wins.
func (s *messageStore) UpsertReaction(id, userID int64, emoji string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	m.Reactions = append(kept, model.ReactionEntry{UserID: userID, Emoji: emoji})
	return true
}

// Visible returns a de-duplicated copy of the sequence for rendering. When
// a snapshot and a live event both delivered the same id, the first
// occurrence wins its position and later duplicates are skipped.
func (s *messageStore) Visible() []model.Message {
	out := make([]model.Message, 0, len(s.list))
	seen := make(map[int64]struct{}, len(s.list))
	for _, m := range s.list {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		// Patches land on the byID entry; prefer it over a stale duplicate.
		cur := s.byID[m.ID]
		if cur == nil {
			cur = m
		}
		cp := *cur
		cp.Reactions = append([]model.ReactionEntry(nil), cur.Reactions...)
		out = append(out, cp)
	}
	return out
}

// Len reports the number of stored records, duplicates included.
func (s *messageStore) Len() int { return len(s.list) }
