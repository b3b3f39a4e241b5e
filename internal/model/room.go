package model

// Room is a direct or group conversation. Read-only on the client; the server
// is the source of truth for membership and naming.
type Room struct {
	ID      int64  `json:"id"`
	Name    string `json:"room_name"`
	IsGroup bool   `json:"is_group"`
}

// UnreadCounts maps room id to the number of unread messages in that room.
// Counts never go negative; opening a room zeroes its entry locally until the
// next server push.
type UnreadCounts map[int64]int

// Clone returns an independent copy for handing to renderers.
func (u UnreadCounts) Clone() UnreadCounts {
	out := make(UnreadCounts, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}
