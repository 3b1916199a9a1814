// Package cache mirrors published snapshots to Redis.
//
// The mirror lets other processes read the latest snapshot without running
// probes, and lets a restarting monitor serve the last known state while
// its first refresh is in flight.
//
// Keys:
//
//	portalhealth:snapshot        latest published snapshot (JSON)
//	portalhealth:part:<class>    latest successful part of a class (JSON)
//
// Every published sequence number is also announced on the
// portalhealth:published channel.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/portal-health/monitor/internal/aggregator"
	"github.com/pilot-net/portal-health/pkg/types"
)

const (
	// Cache key prefixes
	keyPrefix   = "portalhealth:"
	snapshotKey = keyPrefix + "snapshot"
	partPrefix  = keyPrefix + "part:"

	// PublishedChannel carries the sequence of every mirrored snapshot.
	PublishedChannel = keyPrefix + "published"
)

// Mirror is the Redis-backed snapshot mirror.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis. Entries expire after ttl (zero keeps them).
func New(redisURL string, ttl time.Duration, logger *slog.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, ttl, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "mirror"),
	}
}

// PartKey returns the key holding the part of class.
func PartKey(class string) string {
	return partPrefix + class
}

// SaveSnapshot stores snap and announces its sequence.
func (m *Mirror) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapshotKey, data, m.ttl)
		pipe.Publish(ctx, PublishedChannel, strconv.FormatUint(snap.Sequence, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the mirrored snapshot. ok is false on a miss.
func (m *Mirror) LoadSnapshot(ctx context.Context) (snap *types.Snapshot, ok bool, err error) {
	snap = &types.Snapshot{}
	ok, err = m.getJSON(ctx, snapshotKey, snap)
	if err != nil || !ok {
		return nil, false, err
	}
	return snap, true, nil
}

// SavePart stores the latest part of its class.
func (m *Mirror) SavePart(ctx context.Context, part *aggregator.Part) error {
	if err := m.setJSON(ctx, PartKey(part.Class), part); err != nil {
		return fmt.Errorf("saving part %s: %w", part.Class, err)
	}
	return nil
}

// LoadParts returns the mirrored parts of the given classes, in order,
// skipping classes without one.
func (m *Mirror) LoadParts(ctx context.Context, classes []string) ([]*aggregator.Part, error) {
	if len(classes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(classes))
	for i, c := range classes {
		keys[i] = PartKey(c)
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading parts: %w", err)
	}

	parts := make([]*aggregator.Part, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // Cache miss
		}
		part := &aggregator.Part{}
		if err := json.Unmarshal([]byte(raw), part); err != nil {
			m.logger.Warn("discarding unreadable mirrored part", "class", classes[i], "error", err)
			continue
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// Ping checks the connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// getJSON retrieves and unmarshals a JSON value.
func (m *Mirror) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil // Cache miss
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// setJSON marshals and stores a JSON value.
func (m *Mirror) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, key, data, m.ttl).Err()
}
