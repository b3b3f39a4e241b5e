// Package engine is the client-side state synchronization core. It ingests
// the unordered event stream from the persistent channel plus REST snapshot
// responses and maintains one consistent view of messages, read status,
// reactions, unread counts and mentions for the active room.
//
// All mutable state is owned by the Run loop goroutine and fed through
// channels, so no event can observe a half-applied update. Room switches
// bump a generation counter; connection events and snapshot responses
// carrying an older generation belong to a superseded room context and are
// discarded on arrival.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/chatclient/internal/logger"
	"github.com/chatclient/internal/model"
	"github.com/chatclient/internal/storage"
	"github.com/chatclient/internal/ws"
)

// ErrStopped is returned by synchronous engine calls after Run has exited.
var ErrStopped = errors.New("engine: stopped")

// ErrNoActiveRoom is returned by SendMessage before any room is open.
var ErrNoActiveRoom = errors.New("engine: no active room")

// API is the REST surface the engine depends on. *api.Client satisfies it.
type API interface {
	Me(ctx context.Context) (int64, error)
	Users(ctx context.Context) ([]model.User, error)
	DirectRoom(ctx context.Context, userID int64) (int64, error)
	GroupRooms(ctx context.Context) ([]model.Room, error)
	Messages(ctx context.Context, roomID int64) ([]model.Message, error)
	UnreadCounts(ctx context.Context) (model.UnreadCounts, error)
	MarkRoomRead(ctx context.Context, roomID int64) error
	MarkMessageRead(ctx context.Context, messageID int64) error
	React(ctx context.Context, messageID int64, emoji string) error
	EditMessage(ctx context.Context, messageID int64, content string) error
	DeleteMessage(ctx context.Context, messageID int64) error
	HardDeleteMessage(ctx context.Context, messageID int64) error
}

// Connector is the persistent event channel. *ws.Manager satisfies it.
type Connector interface {
	Open(ctx context.Context, roomID int64) uint64
	Events() <-chan ws.Event
	Send(out ws.Outbound) error
	Close()
}

// snapshotResult is a message snapshot tagged with the generation it was
// requested under.
type snapshotResult struct {
	gen    uint64
	roomID int64
	msgs   []model.Message
	err    error
}

type Engine struct {
	api   API
	conn  Connector
	store storage.LastRoomStore

	self int64

	commands chan func()
	results  chan snapshotResult
	updates  chan struct{}
	done     chan struct{}

	// State below is owned by the Run goroutine.
	ctx        context.Context
	gen        uint64
	activeRoom int64
	connState  ws.State
	messages   *messageStore
	users      []model.User
	rooms      []model.Room
	unread     model.UnreadCounts
	userRooms  map[int64]int64
	mentions   []model.MentionNotification
}

// New wires an engine. store may be nil: the last selected conversation is
// then neither restored nor persisted.
func New(apiClient API, conn Connector, store storage.LastRoomStore) *Engine {
	return &Engine{
		api:       apiClient,
		conn:      conn,
		store:     store,
		commands:  make(chan func(), 64),
		results:   make(chan snapshotResult, 8),
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		messages:  newMessageStore(),
		unread:    make(model.UnreadCounts),
		userRooms: make(map[int64]int64),
	}
}

// Login performs the identity check. Must succeed before Run; a failure
// (wrapped api.ErrUnauthorized on a dead session) means the caller should
// route the user through the login flow.
func (e *Engine) Login(ctx context.Context) (int64, error) {
	id, err := e.api.Me(ctx)
	if err != nil {
		return 0, err
	}
	e.self = id
	return id, nil
}

// Self returns the authenticated user id (valid after Login).
func (e *Engine) Self() int64 { return e.self }

// Updates delivers a coalesced signal whenever the view changed. Consumers
// re-render by calling Snapshot.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// Run owns all state mutation until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	defer close(e.done)
	defer e.conn.Close()

	e.bootstrap()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.conn.Events():
			e.handleConnEvent(ev)
		case res := <-e.results:
			e.applySnapshot(res)
		case cmd := <-e.commands:
			cmd()
		}
	}
}

// bootstrap loads the user directory, group rooms, unread counts and the
// partner-to-room map, then restores the last selected conversation.
func (e *Engine) bootstrap() {
	ctx := e.ctx
	self := e.self
	go func() {
		defer logger.DeferLogDuration("bootstrap", time.Now())()

		users, err := e.api.Users(ctx)
		if err != nil {
			logger.Errorf("load users: %v", err)
		}
		rooms, err := e.api.GroupRooms(ctx)
		if err != nil {
			logger.Errorf("load group rooms: %v", err)
		}
		counts, err := e.api.UnreadCounts(ctx)
		if err != nil {
			logger.Errorf("load unread counts: %v", err)
		}

		// One 1:1 room per directory entry; used only for badge lookups.
		userRooms := make(map[int64]int64, len(users))
		for _, u := range users {
			if u.ID == self {
				continue
			}
			roomID, err := e.api.DirectRoom(ctx, u.ID)
			if err != nil {
				logger.Errorf("resolve room for user=%d: %v", u.ID, err)
				continue
			}
			userRooms[u.ID] = roomID
		}

		e.enqueue(func() {
			if users != nil {
				e.users = users
			}
			if rooms != nil {
				e.rooms = rooms
			}
			for roomID, n := range counts {
				e.setUnread(roomID, n)
			}
			for userID, roomID := range userRooms {
				e.userRooms[userID] = roomID
			}
			e.notify()
		})

		if e.store == nil {
			return
		}
		partner, err := e.store.LastPartner(ctx, self)
		if err != nil {
			logger.Errorf("restore last partner: %v", err)
			return
		}
		if partner != 0 {
			e.OpenDirect(ctx, partner)
		}
	}()
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.commands <- fn:
	case <-e.done:
	}
}

// handleConnEvent processes one Event from the connection manager: either a
// state transition or an inbound envelope.
func (e *Engine) handleConnEvent(ev ws.Event) {
	if ev.Gen != e.gen {
		logger.Debugf("drop event from superseded connection gen=%d current=%d", ev.Gen, e.gen)
		return
	}
	if ev.Env == nil {
		e.connState = ev.State
		if ev.State == ws.StateOpen && e.activeRoom != 0 {
			// The channel may have been down between Connecting and
			// Open; events from that gap are gone. Reconcile from a
			// fresh snapshot and ask the server to mark the whole room
			// read. Local ReadAt values come from the snapshot, not
			// from this call.
			roomID := e.activeRoom
			go e.fetchMessages(e.gen, roomID)
			go func() {
				if err := e.api.MarkRoomRead(e.ctx, roomID); err != nil {
					logger.Errorf("mark room read room=%d: %v", roomID, err)
				}
			}()
		}
		e.notify()
		return
	}
	e.dispatch(ev.Env)
}

// dispatch validates and routes one envelope. Malformed and unknown
// envelopes are dropped with a diagnostic; events referencing messages the
// snapshot has not delivered yet are silent no-ops. Room scoping is
// enforced here, not inside the reducers: only unread counts and mentions
// accept traffic for rooms other than the active one.
func (e *Engine) dispatch(env *ws.Envelope) {
	if err := env.Validate(); err != nil {
		logger.Errorf("drop envelope type=%q: %v", env.Type, err)
		return
	}

	switch env.Type {
	case ws.EventMessage:
		e.applyMessage(env)
	case ws.EventRead:
		at, err := env.ReadAtTime()
		if err != nil {
			logger.Errorf("drop read event: %v", err)
			return
		}
		e.messages.MarkRead(*env.MessageID, at)
	case ws.EventReaction:
		e.messages.UpsertReaction(*env.MessageID, *env.UserID, *env.Emoji)
	case ws.EventEdit:
		e.messages.PatchContent(*env.MessageID, *env.Content)
	case ws.EventDelete:
		e.messages.Tombstone(*env.MessageID)
	case ws.EventUnread:
		e.setUnread(*env.RoomID, *env.Count)
	case ws.EventMention:
		e.mentions = append(e.mentions, model.MentionNotification{
			From:    *env.From,
			RoomID:  *env.RoomID,
			Message: *env.Message,
		})
	}
	e.notify()
}

func (e *Engine) applyMessage(env *ws.Envelope) {
	msg := model.Message{
		ID:       *env.ID,
		RoomID:   *env.RoomID,
		SenderID: *env.SenderID,
		Content:  *env.Content,
	}
	if env.ReadAt != nil {
		if at, err := env.ReadAtTime(); err == nil {
			msg.ReadAt = &at
		}
	}
	if msg.RoomID != e.activeRoom {
		// Another room's message never enters the visible sequence; its
		// unread count arrives as a separate unread push.
		logger.Debugf("message id=%d for inactive room=%d not stored", msg.ID, msg.RoomID)
		return
	}
	e.messages.Append(msg)

	if msg.SenderID != e.self {
		// Foreign message in the open room: request a single read mark;
		// the confirming read event for the sender arrives asynchronously.
		id := msg.ID
		go func() {
			if err := e.api.MarkMessageRead(e.ctx, id); err != nil {
				logger.Errorf("mark message read id=%d: %v", id, err)
			}
		}()
	}
}

func (e *Engine) setUnread(roomID int64, count int) {
	if count < 0 {
		count = 0
	}
	e.unread[roomID] = count
}

// openRoom switches the active room: new connection generation, store
// reset, optimistic unread zero, snapshot fetch. Runs inside the loop.
func (e *Engine) openRoom(roomID int64) {
	defer logger.DeferLogDuration("openRoom", time.Now())()
	e.activeRoom = roomID
	e.gen = e.conn.Open(e.ctx, roomID)
	e.connState = ws.StateConnecting
	e.messages.Reset(roomID, nil)
	e.setUnread(roomID, 0)

	gen := e.gen
	go e.fetchMessages(gen, roomID)
	e.notify()
}

func (e *Engine) fetchMessages(gen uint64, roomID int64) {
	msgs, err := e.api.Messages(e.ctx, roomID)
	select {
	case e.results <- snapshotResult{gen: gen, roomID: roomID, msgs: msgs, err: err}:
	case <-e.done:
	}
}

func (e *Engine) applySnapshot(res snapshotResult) {
	if res.gen != e.gen {
		logger.Debugf("discard stale snapshot room=%d gen=%d current=%d", res.roomID, res.gen, e.gen)
		return
	}
	if res.err != nil {
		logger.Errorf("load messages room=%d: %v", res.roomID, res.err)
		return
	}
	e.messages.Reset(res.roomID, res.msgs)
	e.notify()
}

// ---- public operations ----

// OpenRoom makes roomID the active room (sidebar or group list path; queued
// mentions for the room stay queued).
func (e *Engine) OpenRoom(roomID int64) {
	e.enqueue(func() { e.openRoom(roomID) })
}

// OpenDirect resolves the 1:1 room with the partner, opens it and persists
// the selection for the next start. The context is taken per call because
// the resolution runs outside the loop and may start before Run.
func (e *Engine) OpenDirect(ctx context.Context, partnerID int64) {
	go func() {
		roomID, err := e.api.DirectRoom(ctx, partnerID)
		if err != nil {
			logger.Errorf("resolve direct room partner=%d: %v", partnerID, err)
			return
		}
		e.enqueue(func() {
			e.userRooms[partnerID] = roomID
			e.openRoom(roomID)
		})
		if e.store != nil {
			if err := e.store.SetLastPartner(ctx, e.self, partnerID); err != nil {
				logger.Errorf("persist last partner: %v", err)
			}
		}
	}()
}

// OpenMention opens a mentioned room through the notification list and
// dismisses the queued mentions for that room. This is the only path that
// clears mentions; OpenRoom and OpenDirect leave the queue alone.
func (e *Engine) OpenMention(roomID int64) {
	e.enqueue(func() {
		kept := e.mentions[:0]
		for _, m := range e.mentions {
			if m.RoomID != roomID {
				kept = append(kept, m)
			}
		}
		e.mentions = kept
		e.openRoom(roomID)
	})
}

// SendMessage sends a message to the active room over the event channel.
// Fails with ws.ErrNotConnected while the channel is not Open.
func (e *Engine) SendMessage(content string) error {
	reply := make(chan error, 1)
	e.enqueue(func() {
		switch {
		case e.activeRoom == 0:
			reply <- ErrNoActiveRoom
		case e.connState != ws.StateOpen:
			reply <- ws.ErrNotConnected
		default:
			reply <- e.conn.Send(ws.Outbound{
				Type:     ws.EventMessage,
				RoomID:   e.activeRoom,
				SenderID: e.self,
				Content:  content,
			})
		}
	})
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// React upserts the caller's reaction; the store is updated when the server
// echoes the reaction event.
func (e *Engine) React(ctx context.Context, messageID int64, emoji string) error {
	return e.api.React(ctx, messageID, emoji)
}

// Edit replaces a message's content server-side; the edit event patches the
// local store.
func (e *Engine) Edit(ctx context.Context, messageID int64, content string) error {
	return e.api.EditMessage(ctx, messageID, content)
}

// Delete soft-deletes a message; the delete event tombstones it locally.
func (e *Engine) Delete(ctx context.Context, messageID int64) error {
	return e.api.DeleteMessage(ctx, messageID)
}

// HardDelete removes a message permanently. No event type exists for hard
// deletion, so the local record is removed once the server confirmed.
func (e *Engine) HardDelete(ctx context.Context, messageID int64) error {
	if err := e.api.HardDeleteMessage(ctx, messageID); err != nil {
		return err
	}
	e.enqueue(func() {
		if e.messages.HardRemove(messageID) {
			e.notify()
		}
	})
	return nil
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}
