// Package devserver is a self-contained, in-memory chat backend speaking the
// same REST and websocket protocol as the production server. It exists so
// the client runs standalone (-dev flag) and so integration tests need no
// external services. State lives in process memory and is lost on exit.
package devserver

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/chatclient/internal/logger"
	"github.com/chatclient/internal/model"
)

var mentionRe = regexp.MustCompile(`@([\p{Hiragana}\p{Katakana}\p{Han}a-zA-Z0-9_]+)`)

// mark is the per-(message, user) read/reaction row.
type mark struct {
	readAt *time.Time
	emoji  string
}

type message struct {
	id        int64
	roomID    int64
	senderID  int64
	content   string
	createdAt time.Time
	marks     map[int64]*mark
}

type room struct {
	id      int64
	name    string
	isGroup bool
	members []int64
}

type Server struct {
	mu       sync.Mutex
	users    []model.User
	byName   map[string]int64
	sessions map[string]int64
	rooms    map[int64]*room
	messages map[int64]*message
	order    []int64
	nextUser int64
	nextRoom int64
	nextMsg  int64

	conns clientSet
}

func New() *Server {
	s := &Server{
		byName:   make(map[string]int64),
		sessions: make(map[string]int64),
		rooms:    make(map[int64]*room),
		messages: make(map[int64]*message),
		conns:    clientSet{byUser: make(map[int64]*wsClient)},
	}
	// A pair of demo users so -dev is usable immediately.
	s.ensureUser("alice")
	s.ensureUser("bob")
	return s
}

// Handler returns the routed HTTP surface, CORS-enabled for browser
// frontends during development.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Get("/me", s.handleMe)
	r.Get("/users", s.handleUsers)
	r.Get("/room", s.handleDirectRoom)
	r.Post("/rooms", s.handleCreateGroup)
	r.Get("/group_rooms", s.handleGroupRooms)
	r.Get("/room/members", s.handleRoomMembers)
	r.Get("/messages", s.handleMessages)
	r.Post("/messages/read", s.handleMarkRead)
	r.Put("/messages/edit", s.handleEdit)
	r.Delete("/messages/delete", s.handleDelete)
	r.Delete("/messages/hard_delete", s.handleHardDelete)
	r.Post("/reactions", s.handleReaction)
	r.Post("/upload", s.handleUpload)
	r.Get("/unread_counts", s.handleUnreadCounts)
	r.Get("/ws", s.handleWS)
	return r
}

// ---- helpers ----

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("devserver: writeJSON: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt64(r *http.Request, key string) (int64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// auth resolves the session cookie; 0 means unauthenticated.
func (s *Server) auth(r *http.Request) int64 {
	c, err := r.Cookie("session")
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.Value]
}

// ensureUser registers a username if new. Caller must not hold s.mu.
func (s *Server) ensureUser(username string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureUserLocked(username)
}

func (s *Server) ensureUserLocked(username string) int64 {
	if id, ok := s.byName[username]; ok {
		return id
	}
	s.nextUser++
	id := s.nextUser
	s.byName[username] = id
	s.users = append(s.users, model.User{ID: id, Username: username})
	return id
}

// ---- auth endpoints ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	s.mu.Lock()
	id := s.ensureUserLocked(strings.TrimSpace(req.Username))
	token := uuid.New().String()
	s.sessions[token] = id
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("session"); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID})
}

// ---- directory and rooms ----

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mu.Lock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		if u.ID != userID {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDirectRoom(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	otherID, ok := queryInt64(r, "user_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	s.mu.Lock()
	roomID := s.directRoomLocked(userID, otherID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"room_id": roomID})
}

// directRoomLocked finds or creates the 1:1 room for the pair.
func (s *Server) directRoomLocked(a, b int64) int64 {
	for _, rm := range s.rooms {
		if rm.isGroup || len(rm.members) != 2 {
			continue
		}
		if (rm.members[0] == a && rm.members[1] == b) || (rm.members[0] == b && rm.members[1] == a) {
			return rm.id
		}
	}
	s.nextRoom++
	rm := &room{id: s.nextRoom, members: []int64{a, b}}
	s.rooms[rm.id] = rm
	return rm.id
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Name    string  `json:"name"`
		UserIDs []int64 `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	members := req.UserIDs
	found := false
	for _, id := range members {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		members = append(members, userID)
	}

	s.mu.Lock()
	s.nextRoom++
	rm := &room{id: s.nextRoom, name: req.Name, isGroup: true, members: members}
	s.rooms[rm.id] = rm
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"room_id": rm.id})
}

func (s *Server) handleGroupRooms(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mu.Lock()
	out := make([]model.Room, 0)
	for _, rm := range s.rooms {
		if rm.isGroup && rm.hasMember(userID) {
			out = append(out, model.Room{ID: rm.id, Name: rm.name, IsGroup: true})
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, ok := queryInt64(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "room_id required")
		return
	}
	s.mu.Lock()
	rm := s.rooms[roomID]
	out := make([]model.User, 0)
	if rm != nil {
		for _, u := range s.users {
			if rm.hasMember(u.ID) {
				out = append(out, u)
			}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (rm *room) hasMember(userID int64) bool {
	for _, id := range rm.members {
		if id == userID {
			return true
		}
	}
	return false
}

// ---- messages ----

// handleMessages returns the room snapshot. Like the production server it
// also marks everything read for the requester, so a fetched snapshot
// already carries the requester's read state.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, ok := queryInt64(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "room_id required")
		return
	}

	s.mu.Lock()
	reads := s.markRoomReadLocked(roomID, userID)
	out := s.snapshotLocked(roomID, userID)
	s.mu.Unlock()

	s.notifyReads(reads)
	writeJSON(w, http.StatusOK, out)
}

// snapshotLocked builds the wire form of a room's messages for one reader:
// read_at is the earliest read time among the other members.
func (s *Server) snapshotLocked(roomID, readerID int64) []model.Message {
	out := make([]model.Message, 0)
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.roomID != roomID {
			continue
		}
		wire := model.Message{
			ID:       m.id,
			RoomID:   m.roomID,
			SenderID: m.senderID,
			Content:  m.content,
		}
		for uid, mk := range m.marks {
			if mk.emoji != "" {
				wire.Reactions = append(wire.Reactions, model.ReactionEntry{UserID: uid, Emoji: mk.emoji})
			}
			if uid != readerID && mk.readAt != nil {
				if wire.ReadAt == nil || mk.readAt.Before(*wire.ReadAt) {
					t := *mk.readAt
					wire.ReadAt = &t
				}
			}
		}
		out = append(out, wire)
	}
	return out
}

// readNotice is a read confirmation owed to a message's sender.
type readNotice struct {
	senderID  int64
	messageID int64
	readAt    time.Time
}

// markRoomReadLocked marks every foreign message in the room read for the
// user; returns the notices to push to the senders.
func (s *Server) markRoomReadLocked(roomID, userID int64) []readNotice {
	var notices []readNotice
	now := time.Now().UTC()
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.roomID != roomID || m.senderID == userID {
			continue
		}
		mk := m.marks[userID]
		if mk == nil || mk.readAt != nil {
			continue
		}
		t := now
		mk.readAt = &t
		notices = append(notices, readNotice{senderID: m.senderID, messageID: m.id, readAt: t})
	}
	return notices
}

func (s *Server) markMessageReadLocked(messageID, userID int64) []readNotice {
	m := s.messages[messageID]
	if m == nil || m.senderID == userID {
		return nil
	}
	mk := m.marks[userID]
	if mk == nil || mk.readAt != nil {
		return nil
	}
	now := time.Now().UTC()
	mk.readAt = &now
	return []readNotice{{senderID: m.senderID, messageID: m.id, readAt: now}}
}

func (s *Server) notifyReads(notices []readNotice) {
	for _, n := range notices {
		s.conns.send(n.senderID, map[string]any{
			"type":       "read",
			"message_id": n.messageID,
			"read_at":    n.readAt.Format(time.RFC3339),
		})
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		RoomID    *int64 `json:"room_id"`
		MessageID *int64 `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	var notices []readNotice
	s.mu.Lock()
	switch {
	case req.RoomID != nil:
		notices = s.markRoomReadLocked(*req.RoomID, userID)
	case req.MessageID != nil:
		notices = s.markMessageReadLocked(*req.MessageID, userID)
	}
	s.mu.Unlock()

	s.notifyReads(notices)
	if req.RoomID != nil {
		s.pushUnread(userID, *req.RoomID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID, ok := queryInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	s.mu.Lock()
	m := s.messages[messageID]
	if m == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if m.senderID != userID {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "can only edit own messages")
		return
	}
	m.content = req.Content
	members := s.rooms[m.roomID].members
	s.mu.Unlock()

	s.broadcast(members, map[string]any{
		"type":       "edit",
		"message_id": messageID,
		"content":    req.Content,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID, ok := queryInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	s.mu.Lock()
	m := s.messages[messageID]
	if m == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if m.senderID != userID {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "can only delete own messages")
		return
	}
	m.content = model.TombstoneContent
	members := s.rooms[m.roomID].members
	s.mu.Unlock()

	s.broadcast(members, map[string]any{
		"type":       "delete",
		"message_id": messageID,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHardDelete(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID, ok := queryInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	s.mu.Lock()
	if _, exists := s.messages[messageID]; !exists {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	delete(s.messages, messageID)
	kept := s.order[:0]
	for _, id := range s.order {
		if id != messageID {
			kept = append(kept, id)
		}
	}
	s.order = kept
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		MessageID int64  `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	m := s.messages[req.MessageID]
	if m == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	mk := m.marks[userID]
	if mk == nil {
		mk = &mark{}
		m.marks[userID] = mk
	}
	mk.emoji = req.Emoji
	members := s.rooms[m.roomID].members
	s.mu.Unlock()

	s.broadcast(members, map[string]any{
		"type":       "reaction",
		"message_id": req.MessageID,
		"user_id":    userID,
		"emoji":      req.Emoji,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := r.ParseMultipartForm(20 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	_, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image field required")
		return
	}
	// Nothing is persisted; the URL is only good for echoing back.
	writeJSON(w, http.StatusOK, map[string]string{
		"url": "/static/" + uuid.New().String() + "_" + header.Filename,
	})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mu.Lock()
	out := make(model.UnreadCounts)
	for id, rm := range s.rooms {
		if rm.hasMember(userID) {
			out[id] = s.unreadCountLocked(id, userID)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) unreadCountLocked(roomID, userID int64) int {
	n := 0
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.roomID != roomID || m.senderID == userID {
			continue
		}
		if mk := m.marks[userID]; mk == nil || mk.readAt == nil {
			n++
		}
	}
	return n
}

func (s *Server) pushUnread(userID, roomID int64) {
	s.mu.Lock()
	count := s.unreadCountLocked(roomID, userID)
	s.mu.Unlock()
	s.conns.send(userID, map[string]any{
		"type":    "unread",
		"room_id": roomID,
		"count":   count,
	})
}
