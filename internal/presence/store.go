// Package presence records which connections are live on which server node
// and which rooms they occupy, in Redis, so member counts can be reported
// across a cluster. It stores membership only, never message content.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "presence:conn:"

	// ConnRoomsPrefix is the key prefix for the set of rooms a connection is in.
	ConnRoomsPrefix = "presence:conn_rooms:"

	// RoomPrefix is the key prefix for the set of connection IDs in a room.
	RoomPrefix = "presence:room:"

	// TTL bounds how long presence survives a node that died without cleanup.
	TTL = 1 * time.Hour
)

// Connection is the presence record for one live WebSocket connection.
type Connection struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which node holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this node
}

// NewStore creates a presence store connected to Redis at addr.
func NewStore(addr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Track records a new connection on this node.
func (s *Store) Track(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track %s: %w", connID, err)
	}
	return nil
}

// Get returns the presence record for a connection, or nil if none exists.
func (s *Store) Get(ctx context.Context, connID string) (*Connection, error) {
	var c Connection
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&c); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", connID, err)
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Joined adds the connection to the room's member set.
func (s *Store) Joined(ctx context.Context, connID, room string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, RoomPrefix+room, connID)
	pipe.Expire(ctx, RoomPrefix+room, TTL)
	pipe.SAdd(ctx, ConnRoomsPrefix+connID, room)
	pipe.Expire(ctx, ConnRoomsPrefix+connID, TTL)
	pipe.HSet(ctx, ConnPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: join %s to %q: %w", connID, room, err)
	}
	return nil
}

// Touch refreshes the TTL of the connection's records and of every room
// set it belongs to, so rooms with long-lived members do not expire.
func (s *Store) Touch(ctx context.Context, connID string) error {
	rooms, err := s.client.SMembers(ctx, ConnRoomsPrefix+connID).Result()
	if err != nil {
		return fmt.Errorf("presence: touch %s: %w", connID, err)
	}

	pipe := s.client.Pipeline()
	for _, room := range rooms {
		pipe.Expire(ctx, RoomPrefix+room, TTL)
	}
	pipe.Expire(ctx, ConnRoomsPrefix+connID, TTL)
	pipe.HSet(ctx, ConnPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch %s: %w", connID, err)
	}
	return nil
}

// RoomSize returns the number of connections in the room across all nodes.
func (s *Store) RoomSize(ctx context.Context, room string) (int64, error) {
	n, err := s.client.SCard(ctx, RoomPrefix+room).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: room size %q: %w", room, err)
	}
	return n, nil
}

// Delete removes the connection and its room memberships.
func (s *Store) Delete(ctx context.Context, connID string) error {
	rooms, err := s.client.SMembers(ctx, ConnRoomsPrefix+connID).Result()
	if err != nil {
		return fmt.Errorf("presence: delete %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	for _, room := range rooms {
		pipe.SRem(ctx, RoomPrefix+room, connID)
	}
	pipe.Del(ctx, ConnPrefix+connID, ConnRoomsPrefix+connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
