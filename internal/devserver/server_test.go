package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatclient/internal/api"
	"github.com/chatclient/internal/model"
	"github.com/chatclient/internal/ws"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New().Handler())
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username string) (*api.Client, int64) {
	t.Helper()
	c, err := api.New(srv.URL, 3*time.Second)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	if err := c.Login(context.Background(), username, ""); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	id, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("me %s: %v", username, err)
	}
	return c, id
}

// wsconn is a raw websocket attached to a logged-in session.
type wsconn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server, c *api.Client) *wsconn {
	t.Helper()
	dialer := websocket.Dialer{Jar: c.Jar(), HandshakeTimeout: 3 * time.Second}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsconn{t: t, conn: conn}
}

func (w *wsconn) send(v any) {
	w.t.Helper()
	w.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := w.conn.WriteJSON(v); err != nil {
		w.t.Fatalf("ws write: %v", err)
	}
}

// expect reads frames until one of the wanted type arrives.
func (w *wsconn) expect(typ ws.EventType) ws.Envelope {
	w.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w.conn.SetReadDeadline(deadline)
		var env ws.Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			w.t.Fatalf("ws read while waiting for %q: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
	w.t.Fatalf("no %q frame within deadline", typ)
	return ws.Envelope{}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := startServer(t)
	c, err := api.New(srv.URL, 3*time.Second)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	if _, err := c.Me(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Errorf("Me without session = %v, want ErrUnauthorized", err)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")

	if err := alice.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := alice.Me(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Errorf("Me after logout = %v, want ErrUnauthorized", err)
	}
}

func TestDirectRoomIsStable(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	r1, err := alice.DirectRoom(context.Background(), bobID)
	if err != nil {
		t.Fatalf("DirectRoom: %v", err)
	}
	r2, err := bob.DirectRoom(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("DirectRoom reverse: %v", err)
	}
	if r1 != r2 {
		t.Errorf("room ids differ: %d vs %d", r1, r2)
	}
}

func TestMessageFanoutAndUnread(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, err := alice.DirectRoom(context.Background(), bobID)
	if err != nil {
		t.Fatalf("DirectRoom: %v", err)
	}

	aliceWS := dialWS(t, srv, alice)
	bobWS := dialWS(t, srv, bob)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "hello bob"})

	// Both members receive the message, sender included.
	for _, c := range []*wsconn{aliceWS, bobWS} {
		env := c.expect(ws.EventMessage)
		if *env.RoomID != roomID || *env.SenderID != aliceID || *env.Content != "hello bob" {
			t.Errorf("message frame = %+v", env)
		}
	}

	// The recipient gets an unread push; the sender does not count own
	// messages.
	env := bobWS.expect(ws.EventUnread)
	if *env.RoomID != roomID || *env.Count != 1 {
		t.Errorf("unread frame = %+v, want count 1 for room %d", env, roomID)
	}

	counts, err := bob.UnreadCounts(context.Background())
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts[roomID] != 1 {
		t.Errorf("UnreadCounts[%d] = %d, want 1", roomID, counts[roomID])
	}
}

func TestReadReceiptReachesSender(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)
	dialWS(t, srv, bob)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "seen yet?"})
	msg := aliceWS.expect(ws.EventMessage)

	if err := bob.MarkRoomRead(context.Background(), roomID); err != nil {
		t.Fatalf("MarkRoomRead: %v", err)
	}

	read := aliceWS.expect(ws.EventRead)
	if *read.MessageID != *msg.ID {
		t.Errorf("read receipt for message %d, want %d", *read.MessageID, *msg.ID)
	}
	if _, err := read.ReadAtTime(); err != nil {
		t.Errorf("read_at not RFC 3339: %v", err)
	}

	counts, _ := bob.UnreadCounts(context.Background())
	if counts[roomID] != 0 {
		t.Errorf("unread after bulk read = %d, want 0", counts[roomID])
	}
}

func TestSnapshotCarriesReadState(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "one"})
	aliceWS.expect(ws.EventMessage)

	// Bob fetching the snapshot marks his copy read.
	if _, err := bob.Messages(context.Background(), roomID); err != nil {
		t.Fatalf("Messages: %v", err)
	}

	// Alice's snapshot now shows her message as read by the other side.
	msgs, err := alice.Messages(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v, want 1", msgs)
	}
	if msgs[0].ReadAt == nil {
		t.Error("read_at missing after the recipient fetched the room")
	}
}

func TestMentionDetection(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)
	bobWS := dialWS(t, srv, bob)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "ping @bob"})

	env := bobWS.expect(ws.EventMention)
	if *env.From != aliceID || *env.RoomID != roomID || *env.Message != "ping @bob" {
		t.Errorf("mention frame = %+v", env)
	}
}

func TestNoSelfMention(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")
	_, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "note to @alice"})
	aliceWS.expect(ws.EventMessage)

	// Only the message frame must arrive; a mention for the sender would
	// be next in the stream.
	aliceWS.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env ws.Envelope
	if err := aliceWS.conn.ReadJSON(&env); err == nil && env.Type == ws.EventMention {
		t.Errorf("self-mention delivered: %+v", env)
	}
}

func TestEditAndDeleteBroadcast(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)
	bobWS := dialWS(t, srv, bob)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "draft"})
	msg := aliceWS.expect(ws.EventMessage)
	msgID := *msg.ID

	// Only the author may edit.
	if err := bob.EditMessage(context.Background(), msgID, "hijack"); err == nil {
		t.Error("edit by non-author succeeded")
	}

	if err := alice.EditMessage(context.Background(), msgID, "final"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	env := bobWS.expect(ws.EventEdit)
	if *env.MessageID != msgID || *env.Content != "final" {
		t.Errorf("edit frame = %+v", env)
	}

	if err := alice.DeleteMessage(context.Background(), msgID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	env = bobWS.expect(ws.EventDelete)
	if *env.MessageID != msgID {
		t.Errorf("delete frame = %+v", env)
	}

	msgs, _ := bob.Messages(context.Background(), roomID)
	if len(msgs) != 1 || msgs[0].Content != model.TombstoneContent {
		t.Errorf("after soft delete: %+v, want tombstone record", msgs)
	}

	if err := alice.HardDeleteMessage(context.Background(), msgID); err != nil {
		t.Fatalf("HardDeleteMessage: %v", err)
	}
	msgs, _ = bob.Messages(context.Background(), roomID)
	if len(msgs) != 0 {
		t.Errorf("after hard delete: %+v, want empty", msgs)
	}
}

func TestReactionEchoAndReplace(t *testing.T) {
	srv := startServer(t)
	alice, _ := login(t, srv, "alice")
	bob, bobID := login(t, srv, "bob")

	roomID, _ := alice.DirectRoom(context.Background(), bobID)
	aliceWS := dialWS(t, srv, alice)

	aliceWS.send(map[string]any{"type": "message", "room_id": roomID, "content": "react to me"})
	msg := aliceWS.expect(ws.EventMessage)
	msgID := *msg.ID

	if err := bob.React(context.Background(), msgID, "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}
	env := aliceWS.expect(ws.EventReaction)
	if *env.MessageID != msgID || *env.UserID != bobID || *env.Emoji != "👍" {
		t.Errorf("reaction frame = %+v", env)
	}

	if err := bob.React(context.Background(), msgID, "❤️"); err != nil {
		t.Fatalf("React: %v", err)
	}
	aliceWS.expect(ws.EventReaction)

	msgs, _ := alice.Messages(context.Background(), roomID)
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	reactions := msgs[0].Reactions
	if len(reactions) != 1 || reactions[0].Emoji != "❤️" || reactions[0].UserID != bobID {
		t.Errorf("reactions = %+v, want single ❤️ by bob", reactions)
	}
}

func TestGroupRoomLifecycle(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := login(t, srv, "alice")
	_, bobID := login(t, srv, "bob")
	_, carolID := login(t, srv, "carol")

	// Create a group through the REST surface used by the frontend.
	roomID := createGroup(t, srv, alice, "team", []int64{aliceID, bobID, carolID})

	rooms, err := alice.GroupRooms(context.Background())
	if err != nil {
		t.Fatalf("GroupRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != roomID || rooms[0].Name != "team" || !rooms[0].IsGroup {
		t.Errorf("rooms = %+v", rooms)
	}

	members, err := alice.RoomMembers(context.Background(), roomID)
	if err != nil {
		t.Fatalf("RoomMembers: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("members = %+v, want 3", members)
	}
}

func createGroup(t *testing.T, srv *httptest.Server, c *api.Client, name string, userIDs []int64) int64 {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"name": name, "user_ids": userIDs})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rooms", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Jar: c.Jar(), Timeout: 3 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		RoomID int64 `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.RoomID
}
