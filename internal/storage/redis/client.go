package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Selections older than this are dropped; a partner picked months ago is not
// worth restoring.
const lastPartnerTTL = 90 * 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func key(userID int64) string {
	return "last_partner:" + strconv.FormatInt(userID, 10)
}

// SetLastPartner stores the partner id under last_partner:{userID}.
func (c *Client) SetLastPartner(ctx context.Context, userID, partnerID int64) error {
	return c.cli.Set(ctx, key(userID), partnerID, lastPartnerTTL).Err()
}

// LastPartner returns 0 when the key is missing or expired.
func (c *Client) LastPartner(ctx context.Context, userID int64) (int64, error) {
	val, err := c.cli.Get(ctx, key(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis last_partner value %q: %w", val, err)
	}
	return id, nil
}
