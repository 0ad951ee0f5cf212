// Package redis implements the Redis-backed connection-issue tracker.
// The circuit breaker marks an endpoint impaired when it opens and clears
// the marker when it closes; other processes can query the markers
// without depending on the breaker.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	IssueTTL time.Duration `yaml:"issue_ttl"`
}

// Client wraps Redis operations for the issue tracker.
type Client struct {
	rdb      *redis.Client
	issueTTL time.Duration
}

// NewClient creates a new Redis client and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.IssueTTL <= 0 {
		// Markers self-expire so a crashed runtime cannot leave an
		// endpoint flagged forever.
		cfg.IssueTTL = time.Hour
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, issueTTL: cfg.IssueTTL}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func issueKey(id domain.EndpointID) string {
	return fmt.Sprintf("connection_issue:%s", id)
}

// MarkImpaired flags the endpoint with the given reason.
func (c *Client) MarkImpaired(ctx context.Context, id domain.EndpointID, reason string) error {
	if err := c.rdb.Set(ctx, issueKey(id), reason, c.issueTTL).Err(); err != nil {
		return fmt.Errorf("set issue marker: %w", err)
	}
	return nil
}

// ClearImpaired removes the endpoint's marker.
func (c *Client) ClearImpaired(ctx context.Context, id domain.EndpointID) error {
	if err := c.rdb.Del(ctx, issueKey(id)).Err(); err != nil {
		return fmt.Errorf("delete issue marker: %w", err)
	}
	return nil
}

// IsImpaired reports whether the endpoint carries an issue marker.
func (c *Client) IsImpaired(ctx context.Context, id domain.EndpointID) (bool, error) {
	n, err := c.rdb.Exists(ctx, issueKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check issue marker: %w", err)
	}
	return n > 0, nil
}

// ImpairedReason returns the reason an endpoint was marked, or empty when
// it is not marked.
func (c *Client) ImpairedReason(ctx context.Context, id domain.EndpointID) (string, error) {
	reason, err := c.rdb.Get(ctx, issueKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get issue marker: %w", err)
	}
	return reason, nil
}
