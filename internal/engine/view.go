package engine

import (
	"github.com/chatclient/internal/model"
	"github.com/chatclient/internal/ws"
)

// View is an immutable copy of the engine state for rendering. Everything a
// frontend shows comes from here; it never reaches into the engine's own
// structures.
type View struct {
	Self       int64
	ActiveRoom int64
	ConnState  ws.State
	Messages   []model.Message
	Users      []model.User
	Rooms      []model.Room
	Unread     model.UnreadCounts
	UserRooms  map[int64]int64
	Mentions   []model.MentionNotification
}

// UnreadForPartner returns the unread badge count for a direct-message
// partner, resolved through the partner-to-room map.
func (v View) UnreadForPartner(partnerID int64) int {
	roomID, ok := v.UserRooms[partnerID]
	if !ok {
		return 0
	}
	return v.Unread[roomID]
}

// Snapshot returns a consistent copy of the current state. It synchronizes
// with the run loop, so a snapshot taken after an Updates signal reflects at
// least that change.
func (e *Engine) Snapshot() View {
	reply := make(chan View, 1)
	e.enqueue(func() { reply <- e.view() })
	select {
	case v := <-reply:
		return v
	case <-e.done:
		return View{}
	}
}

// view builds the copy; runs inside the loop.
func (e *Engine) view() View {
	userRooms := make(map[int64]int64, len(e.userRooms))
	for k, v := range e.userRooms {
		userRooms[k] = v
	}
	return View{
		Self:       e.self,
		ActiveRoom: e.activeRoom,
		ConnState:  e.connState,
		Messages:   e.messages.Visible(),
		Users:      append([]model.User(nil), e.users...),
		Rooms:      append([]model.Room(nil), e.rooms...),
		Unread:     e.unread.Clone(),
		UserRooms:  userRooms,
		Mentions:   append([]model.MentionNotification(nil), e.mentions...),
	}
}
