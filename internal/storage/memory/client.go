package memory

import (
	"context"
	"sync"
)

// Client keeps last-partner selections in process memory. Used when no Redis
// URL is configured; selections do not survive a restart.
type Client struct {
	mu       sync.RWMutex
	partners map[int64]int64
}

func New() *Client {
	return &Client{partners: make(map[int64]int64)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetLastPartner(ctx context.Context, userID, partnerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partners[userID] = partnerID
	return nil
}

func (c *Client) LastPartner(ctx context.Context, userID int64) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partners[userID], nil
}
