package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chatclient/internal/api"
	"github.com/chatclient/internal/engine"
	"github.com/chatclient/internal/logger"
	"github.com/chatclient/internal/model"
	"github.com/chatclient/internal/ws"
)

// runREPL drives the engine from stdin. A bare line sends a message to the
// active room; slash commands do everything else. Returns when stdin closes
// or the user quits.
func runREPL(ctx context.Context, eng *engine.Engine, apiClient *api.Client) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-eng.Updates():
				if !ok {
					return
				}
				render(eng.Snapshot())
			}
		}
	}()

	fmt.Println(`commands: /users /rooms /open <room> /dm <user> /mention <room> /react <msg> <emoji> /edit <msg> <text> /del <msg> /purge <msg> /logout /quit`)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := eng.SendMessage(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
			continue
		}
		if !handleCommand(ctx, eng, apiClient, line) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Errorf("stdin: %v", err)
	}
}

// handleCommand returns false when the user asked to quit.
func handleCommand(ctx context.Context, eng *engine.Engine, apiClient *api.Client, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	argInt := func(i int) (int64, bool) {
		if i >= len(args) {
			return 0, false
		}
		n, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	switch cmd {
	case "/quit", "/q":
		return false
	case "/logout":
		if err := apiClient.Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "logout: %v\n", err)
		}
		return false
	case "/users":
		v := eng.Snapshot()
		for _, u := range v.Users {
			badge := ""
			if n := v.UnreadForPartner(u.ID); n > 0 {
				badge = fmt.Sprintf(" (%d)", n)
			}
			fmt.Printf("  %d  %s%s\n", u.ID, u.Username, badge)
		}
	case "/rooms":
		v := eng.Snapshot()
		for _, r := range v.Rooms {
			badge := ""
			if n := v.Unread[r.ID]; n > 0 {
				badge = fmt.Sprintf(" (%d)", n)
			}
			fmt.Printf("  %d  %s%s\n", r.ID, r.Name, badge)
		}
	case "/open":
		if id, ok := argInt(0); ok {
			eng.OpenRoom(id)
		} else {
			fmt.Fprintln(os.Stderr, "usage: /open <room>")
		}
	case "/dm":
		if id, ok := argInt(0); ok {
			eng.OpenDirect(ctx, id)
		} else {
			fmt.Fprintln(os.Stderr, "usage: /dm <user>")
		}
	case "/mention":
		if id, ok := argInt(0); ok {
			eng.OpenMention(id)
		} else {
			fmt.Fprintln(os.Stderr, "usage: /mention <room>")
		}
	case "/react":
		id, ok := argInt(0)
		if !ok || len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /react <msg> <emoji>")
			break
		}
		if err := eng.React(ctx, id, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "react: %v\n", err)
		}
	case "/edit":
		id, ok := argInt(0)
		if !ok || len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /edit <msg> <text>")
			break
		}
		if err := eng.Edit(ctx, id, strings.Join(args[1:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "edit: %v\n", err)
		}
	case "/del":
		id, ok := argInt(0)
		if !ok {
			fmt.Fprintln(os.Stderr, "usage: /del <msg>")
			break
		}
		if err := eng.Delete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		}
	case "/purge":
		id, ok := argInt(0)
		if !ok {
			fmt.Fprintln(os.Stderr, "usage: /purge <msg>")
			break
		}
		if err := eng.HardDelete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "purge: %v\n", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}
	return true
}

func render(v engine.View) {
	if v.ActiveRoom == 0 {
		return
	}
	fmt.Printf("-- room %d [%s] --\n", v.ActiveRoom, v.ConnState)
	for _, m := range v.Messages {
		fmt.Println(formatMessage(v.Self, m))
	}
	for _, mn := range v.Mentions {
		fmt.Printf("  @ %s mentioned you in room %d: %s\n", username(v, mn.From), mn.RoomID, mn.Message)
	}
	if v.ConnState != ws.StateOpen {
		fmt.Println("  (reconnecting...)")
	}
}

func username(v engine.View, userID int64) string {
	for _, u := range v.Users {
		if u.ID == userID {
			return u.Username
		}
	}
	return strconv.FormatInt(userID, 10)
}

func formatMessage(self int64, m model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  [%d] %d: %s", m.ID, m.SenderID, m.Content)
	if m.SenderID == self && m.ReadAt != nil {
		b.WriteString(" ✓")
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " %s", r.Emoji)
	}
	return b.String()
}
