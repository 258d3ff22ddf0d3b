// ABOUTME: Redis-backed discovery: agents announce themselves under a namespace.
// ABOUTME: Records carry a TTL so crashed agents age out without explicit cleanup.

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis discovery source.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// Namespace prefixes every key so multiple fabrics can share a server.
	Namespace string

	// TTL bounds how long an announcement survives without renewal.
	TTL time.Duration
}

// Redis announces this node and discovers peers through a shared Redis
// server. Announcements are JSON values under {namespace}:agents:{id} with
// a TTL; role membership lives in {namespace}:roles:{role} sets.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

var _ Source = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "coven"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * time.Second
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{
		client:    client,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		logger:    logger.With("component", "discovery", "source", "redis"),
	}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) agentKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, id)
}

func (r *Redis) roleKey(role string) string {
	return fmt.Sprintf("%s:roles:%s", r.namespace, role)
}

// Announce publishes an announcement, renewing its TTL. Call it on every
// discovery tick; records of agents that stop announcing expire.
func (r *Redis) Announce(ctx context.Context, ann Announcement) error {
	if ann.ID == "" {
		return fmt.Errorf("announcement missing id")
	}
	ann.LastSeen = time.Now().UTC()

	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	if err := r.client.Set(ctx, r.agentKey(ann.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("announcing agent %s: %w", ann.ID, err)
	}

	if ann.Role != "" {
		key := r.roleKey(ann.Role)
		if err := r.client.SAdd(ctx, key, ann.ID).Err(); err != nil {
			r.logger.Warn("updating role index", "role", ann.Role, "error", err)
		}
		// Role sets outlive individual records slightly; stale members are
		// filtered on read because their agent key is gone.
		r.client.Expire(ctx, key, r.ttl*2)
	}
	return nil
}

// Withdraw removes an agent's announcement and its role membership.
func (r *Redis) Withdraw(ctx context.Context, id string) error {
	data, err := r.client.Get(ctx, r.agentKey(id)).Result()
	if err == nil {
		var ann Announcement
		if json.Unmarshal([]byte(data), &ann) == nil && ann.Role != "" {
			r.client.SRem(ctx, r.roleKey(ann.Role), id)
		}
	}
	return r.client.Del(ctx, r.agentKey(id)).Err()
}

// Discover scans the namespace for live announcements.
func (r *Redis) Discover(ctx context.Context) ([]Announcement, error) {
	pattern := fmt.Sprintf("%s:agents:*", r.namespace)

	var found []Announcement
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between scan and get
		}
		var ann Announcement
		if err := json.Unmarshal([]byte(data), &ann); err != nil {
			r.logger.Warn("skipping malformed announcement", "key", iter.Val(), "error", err)
			continue
		}
		found = append(found, ann)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning announcements: %w", err)
	}
	return found, nil
}

// ByRole returns live announcements for one role via the role index.
func (r *Redis) ByRole(ctx context.Context, role string) ([]Announcement, error) {
	ids, err := r.client.SMembers(ctx, r.roleKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading role index %s: %w", role, err)
	}

	var found []Announcement
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.agentKey(id)).Result()
		if err != nil {
			continue // stale index member
		}
		var ann Announcement
		if err := json.Unmarshal([]byte(data), &ann); err != nil {
			continue
		}
		found = append(found, ann)
	}
	return found, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
