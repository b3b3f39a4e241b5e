package model

// User is reference data from the user directory.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// MentionNotification is a pending @-mention. Entries accumulate regardless
// of the active room and are removed only when the user opens the target room
// through the notification list.
type MentionNotification struct {
	From    int64  `json:"from"`
	RoomID  int64  `json:"room_id"`
	Message string `json:"message"`
}
