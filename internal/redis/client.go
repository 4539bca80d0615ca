package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/regatta/internal/types"
)

const (
	// LeaderboardKey is the sorted set of finished sessions scored by corrected time
	LeaderboardKey = "leaderboard"
	progressTTL    = time.Minute
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Close() error
}

// Client manages Redis connections and operations
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func progressKey(vehicle int) string {
	return "progress:" + strconv.Itoa(vehicle)
}

// StoreProgress caches the live race state of a vehicle
func (c *Client) StoreProgress(ctx context.Context, p *types.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return c.client.Set(ctx, progressKey(p.Vehicle), data, progressTTL).Err()
}

// GetProgress returns the cached race state of a vehicle, nil when absent
func (c *Client) GetProgress(ctx context.Context, vehicle int) (*types.Progress, error) {
	data, err := c.client.Get(ctx, progressKey(vehicle)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress data: %w", err)
	}

	var p types.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress data: %w", err)
	}
	return &p, nil
}

// DeleteProgress drops the cached race state of a vehicle
func (c *Client) DeleteProgress(ctx context.Context, vehicle int) error {
	return c.client.Del(ctx, progressKey(vehicle)).Err()
}

// RecordSession ranks a finished session on the leaderboard. Unfinished sessions are ignored.
func (c *Client) RecordSession(ctx context.Context, s *types.SessionSummary) error {
	if !s.Finished {
		return nil
	}
	member := redis.Z{
		Score:  s.Score(),
		Member: s.SessionID + ":" + s.Name,
	}
	if err := c.client.ZAdd(ctx, LeaderboardKey, member).Err(); err != nil {
		return fmt.Errorf("failed to rank session %s: %w", s.SessionID, err)
	}
	return nil
}

// Standing is one leaderboard entry
type Standing struct {
	Position  int
	SessionID string
	Name      string
	Score     float64
}

// Leaderboard returns the best n finished sessions
func (c *Client) Leaderboard(ctx context.Context, n int) ([]Standing, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := c.client.ZRangeWithScores(ctx, LeaderboardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}

	standings := make([]Standing, 0, len(entries))
	for i, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, name, _ := strings.Cut(member, ":")
		standings = append(standings, Standing{
			Position:  i + 1,
			SessionID: id,
			Name:      name,
			Score:     z.Score,
		})
	}
	return standings, nil
}
