package storage

import "context"

// LastRoomStore remembers the last selected direct-message partner per user,
// so the client can reopen the same conversation on the next start. It is a
// plain get/set capability; room routing never depends on it.
// Implementations: redis.Client, memory.Client (no external services).
type LastRoomStore interface {
	SetLastPartner(ctx context.Context, userID, partnerID int64) error
	// LastPartner returns (0, nil) when nothing has been stored yet.
	LastPartner(ctx context.Context, userID int64) (int64, error)
	Close() error
}
