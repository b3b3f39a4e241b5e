package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatclient/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient wraps a connection with a write lock; gorilla allows only one
// concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// clientSet maps user ids to their live connection. One connection per
// user; a reconnect displaces the previous one.
type clientSet struct {
	mu     sync.Mutex
	byUser map[int64]*wsClient
}

func (cs *clientSet) set(userID int64, c *wsClient) {
	cs.mu.Lock()
	if prev, ok := cs.byUser[userID]; ok && prev != c {
		prev.conn.Close()
	}
	cs.byUser[userID] = c
	cs.mu.Unlock()
}

func (cs *clientSet) remove(userID int64, c *wsClient) {
	cs.mu.Lock()
	if cs.byUser[userID] == c {
		delete(cs.byUser, userID)
	}
	cs.mu.Unlock()
}

func (cs *clientSet) send(userID int64, v any) {
	cs.mu.Lock()
	c := cs.byUser[userID]
	cs.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.writeJSON(v); err != nil {
		logger.Errorf("devserver: push to user %d: %v", userID, err)
	}
}

func (s *Server) broadcast(members []int64, v any) {
	for _, id := range members {
		s.conns.send(id, v)
	}
}

// inbound is a client-to-server websocket frame.
type inbound struct {
	Type       string `json:"type"`
	RoomID     int64  `json:"room_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	MessageID  int64  `json:"message_id"`
	Emoji      string `json:"emoji"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := s.auth(r)
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: upgrade: %v", err)
		return
	}

	c := &wsClient{conn: conn}
	s.conns.set(userID, c)
	defer func() {
		s.conns.remove(userID, c)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("devserver: read from user %d: %v", userID, err)
			}
			return
		}
		switch in.Type {
		case "message":
			s.acceptMessage(userID, in)
		case "reaction":
			s.acceptReaction(userID, in)
		default:
			logger.Debugf("devserver: ignoring frame type %q from user %d", in.Type, userID)
		}
	}
}

// acceptMessage persists a chat message and fans it out: the message event
// to every room member, unread pushes to everyone but the sender, and a
// mention notification to each @-named member.
func (s *Server) acceptMessage(senderID int64, in inbound) {
	s.mu.Lock()
	rm := s.rooms[in.RoomID]
	if rm == nil || !rm.hasMember(senderID) {
		s.mu.Unlock()
		logger.Debugf("devserver: dropping message from user %d to room %d", senderID, in.RoomID)
		return
	}
	s.nextMsg++
	m := &message{
		id:        s.nextMsg,
		roomID:    in.RoomID,
		senderID:  senderID,
		content:   in.Content,
		createdAt: time.Now().UTC(),
		marks:     make(map[int64]*mark, len(rm.members)),
	}
	for _, uid := range rm.members {
		m.marks[uid] = &mark{}
	}
	s.messages[m.id] = m
	s.order = append(s.order, m.id)

	members := append([]int64(nil), rm.members...)
	mentioned := s.mentionedLocked(in.Content, rm)
	unread := make(map[int64]int, len(members))
	for _, uid := range members {
		if uid != senderID {
			unread[uid] = s.unreadCountLocked(in.RoomID, uid)
		}
	}
	s.mu.Unlock()

	s.broadcast(members, map[string]any{
		"type":      "message",
		"id":        m.id,
		"room_id":   m.roomID,
		"sender_id": m.senderID,
		"content":   m.content,
	})
	for uid, count := range unread {
		s.conns.send(uid, map[string]any{
			"type":    "unread",
			"room_id": m.roomID,
			"count":   count,
		})
	}
	for _, uid := range mentioned {
		if uid == senderID {
			continue
		}
		s.conns.send(uid, map[string]any{
			"type":    "mention",
			"from":    senderID,
			"room_id": m.roomID,
			"message": m.content,
		})
	}
}

// mentionedLocked resolves @username tokens to member user ids.
func (s *Server) mentionedLocked(content string, rm *room) []int64 {
	var out []int64
	seen := make(map[int64]bool)
	for _, match := range mentionRe.FindAllStringSubmatch(content, -1) {
		id, ok := s.byName[match[1]]
		if !ok || seen[id] || !rm.hasMember(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Server) acceptReaction(userID int64, in inbound) {
	s.mu.Lock()
	m := s.messages[in.MessageID]
	if m == nil || in.Emoji == "" {
		s.mu.Unlock()
		return
	}
	mk := m.marks[userID]
	if mk == nil {
		mk = &mark{}
		m.marks[userID] = mk
	}
	mk.emoji = in.Emoji
	members := append([]int64(nil), s.rooms[m.roomID].members...)
	s.mu.Unlock()

	s.broadcast(members, map[string]any{
		"type":       "reaction",
		"message_id": in.MessageID,
		"user_id":    userID,
		"emoji":      in.Emoji,
	})
}
