// Package api is the REST side of the chat backend: point-in-time snapshots
// (messages, rooms, users, unread counts) and request/response mutations.
// The persistent event channel lives in the ws package; both share one
// authenticated session through the cookie jar.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatclient/internal/model"
)

// ErrUnauthorized means the session is missing or expired. Callers are
// expected to send the user back through the login flow.
var ErrUnauthorized = errors.New("api: unauthorized")

type Client struct {
	base string
	http *http.Client
	jar  *cookiejar.Jar
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout, Jar: jar},
		jar:  jar,
	}, nil
}

// Jar exposes the session cookies so the ws dialer can authenticate with
// the same session.
func (c *Client) Jar() *cookiejar.Jar { return c.jar }

// Login authenticates against the backend and stores the session cookie.
// The login flow itself is outside the sync engine; this exists for the
// dev server and tests.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/login", nil, body, nil)
}

// Me returns the authenticated user id, or ErrUnauthorized.
func (c *Client) Me(ctx context.Context) (int64, error) {
	var out struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.UserID, nil
}

// Users returns the user directory.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out)
	return out, err
}

// DirectRoom returns the id of the 1:1 room shared with the given user,
// creating it server-side if it does not exist yet.
func (c *Client) DirectRoom(ctx context.Context, userID int64) (int64, error) {
	var out struct {
		RoomID int64 `json:"room_id"`
	}
	q := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/room", q, nil, &out); err != nil {
		return 0, err
	}
	return out.RoomID, nil
}

// GroupRooms returns the group conversations the user belongs to.
func (c *Client) GroupRooms(ctx context.Context) ([]model.Room, error) {
	var out []model.Room
	err := c.do(ctx, http.MethodGet, "/group_rooms", nil, nil, &out)
	return out, err
}

// Messages returns the message snapshot for a room. The backend answers
// with either a bare array or an object wrapping it under "messages".
func (c *Client) Messages(ctx context.Context, roomID int64) ([]model.Message, error) {
	q := url.Values{"room_id": {strconv.FormatInt(roomID, 10)}}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/messages", q, nil, &raw); err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal(raw, &msgs); err == nil {
		return msgs, nil
	}
	var wrapped struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return wrapped.Messages, nil
}

// RoomMembers returns the members of a room.
func (c *Client) RoomMembers(ctx context.Context, roomID int64) ([]model.User, error) {
	q := url.Values{"room_id": {strconv.FormatInt(roomID, 10)}}
	var out []model.User
	err := c.do(ctx, http.MethodGet, "/room/members", q, nil, &out)
	return out, err
}

// UnreadCounts returns the unread count for every room of the user.
func (c *Client) UnreadCounts(ctx context.Context) (model.UnreadCounts, error) {
	var out model.UnreadCounts
	err := c.do(ctx, http.MethodGet, "/unread_counts", nil, nil, &out)
	return out, err
}

// MarkRoomRead asks the server to mark every message in the room as read.
func (c *Client) MarkRoomRead(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, "/messages/read", nil, map[string]int64{"room_id": roomID}, nil)
}

// MarkMessageRead asks the server to mark a single message as read. The
// confirming read event for the sender arrives asynchronously.
func (c *Client) MarkMessageRead(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, "/messages/read", nil, map[string]int64{"message_id": messageID}, nil)
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) error {
	q := url.Values{"id": {strconv.FormatInt(messageID, 10)}}
	return c.do(ctx, http.MethodPut, "/messages/edit", q, map[string]string{"content": content}, nil)
}

// DeleteMessage soft-deletes a message; the record survives as a tombstone.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	q := url.Values{"id": {strconv.FormatInt(messageID, 10)}}
	return c.do(ctx, http.MethodDelete, "/messages/delete", q, nil, nil)
}

// HardDeleteMessage removes a message permanently.
func (c *Client) HardDeleteMessage(ctx context.Context, messageID int64) error {
	q := url.Values{"id": {strconv.FormatInt(messageID, 10)}}
	return c.do(ctx, http.MethodDelete, "/messages/hard_delete", q, nil, nil)
}

// React upserts the caller's reaction on a message.
func (c *Client) React(ctx context.Context, messageID int64, emoji string) error {
	body := struct {
		MessageID int64  `json:"message_id"`
		Emoji     string `json:"emoji"`
	}{messageID, emoji}
	return c.do(ctx, http.MethodPost, "/reactions", nil, body, nil)
}

// Upload sends an image as multipart form data; returns the served URL.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("multipart: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("multipart copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.URL, nil
}

// Logout ends the session server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
}

// do performs one JSON request/response exchange. A nil out discards the
// response body after the status check.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
