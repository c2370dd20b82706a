package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// withdrawScript deletes a presence key only while it still names this instance,
// so a late withdraw never evicts the user's newer connection elsewhere.
var withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends this instance's claim, or re-claims an expired key,
// but never steals a key another instance announced later.
var refreshScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or v == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// RedisCluster implements Cluster on Redis.
//
// Keys:
//   - {prefix}:presence:{user_id} = instance id, with a TTL refreshed while connected.
//   - {prefix}:deliver:{instance_id} is the pub/sub channel of an instance.
type RedisCluster struct {
	client   *redis.Client
	log      *slog.Logger
	prefix   string
	instance string
	ttl      time.Duration
	refresh  time.Duration

	mu    sync.Mutex
	local map[int64]struct{}
}

// RedisClusterOption configures RedisCluster.
type RedisClusterOption func(*RedisCluster)

// WithKeyPrefix sets the key prefix (default: "tutors").
func WithKeyPrefix(prefix string) RedisClusterOption {
	return func(c *RedisCluster) {
		if p := strings.TrimSpace(prefix); p != "" {
			c.prefix = p
		}
	}
}

// WithPresenceTTL sets the presence TTL and refresh period.
func WithPresenceTTL(ttl, refresh time.Duration) RedisClusterOption {
	return func(c *RedisCluster) {
		if ttl > 0 {
			c.ttl = ttl
		}
		if refresh > 0 && refresh < c.ttl {
			c.refresh = refresh
		}
	}
}

// NewRedisCluster constructs a RedisCluster. The client is owned by the caller.
func NewRedisCluster(client *redis.Client, log *slog.Logger, instanceID string, opts ...RedisClusterOption) (*RedisCluster, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if strings.TrimSpace(instanceID) == "" {
		return nil, errors.New("realtime: empty instance id")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &RedisCluster{
		client:   client,
		log:      log,
		prefix:   "tutors",
		instance: instanceID,
		ttl:      presenceTTL,
		refresh:  presenceRefresh,
		local:    make(map[int64]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// InstanceID implements Cluster.
func (c *RedisCluster) InstanceID() string { return c.instance }

func (c *RedisCluster) presenceKey(userID int64) string {
	return c.prefix + ":presence:" + strconv.FormatInt(userID, 10)
}

func (c *RedisCluster) channel(instanceID string) string {
	return c.prefix + ":deliver:" + instanceID
}

// Announce implements Cluster.
func (c *RedisCluster) Announce(ctx context.Context, userID int64) error {
	c.mu.Lock()
	c.local[userID] = struct{}{}
	c.mu.Unlock()

	if err := c.client.Set(ctx, c.presenceKey(userID), c.instance, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: announce: %w", err)
	}
	return nil
}

// Withdraw implements Cluster.
func (c *RedisCluster) Withdraw(ctx context.Context, userID int64) error {
	c.mu.Lock()
	delete(c.local, userID)
	c.mu.Unlock()

	if err := withdrawScript.Run(ctx, c.client, []string{c.presenceKey(userID)}, c.instance).Err(); err != nil {
		return fmt.Errorf("redis: withdraw: %w", err)
	}
	return nil
}

// Locate implements Cluster.
func (c *RedisCluster) Locate(ctx context.Context, userID int64) (string, bool, error) {
	inst, err := c.client.Get(ctx, c.presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: locate: %w", err)
	}
	return inst, true, nil
}

// Forward implements Cluster.
func (c *RedisCluster) Forward(ctx context.Context, instanceID string, r Relay) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := c.client.Publish(ctx, c.channel(instanceID), b).Result()
	if err != nil {
		return fmt.Errorf("redis: forward: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: forward: no subscriber for instance %s", instanceID)
	}
	return nil
}

// Run implements Cluster. It also keeps this instance's presence keys alive.
func (c *RedisCluster) Run(ctx context.Context, deliver func(Relay)) error {
	sub := c.client.Subscribe(ctx, c.channel(c.instance))
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before relays are routed here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	c.log.Info("cluster.run", "instance_id", c.instance, "channel", c.channel(c.instance))

	t := time.NewTicker(c.refresh)
	defer t.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.refreshPresence(ctx)
		case m, ok := <-msgs:
			if !ok {
				return errors.New("redis: subscription closed")
			}
			var r Relay
			if err := json.Unmarshal([]byte(m.Payload), &r); err != nil {
				c.log.Warn("cluster.relay.bad_payload", "err", err)
				continue
			}
			deliver(r)
		}
	}
}

func (c *RedisCluster) refreshPresence(ctx context.Context) {
	c.mu.Lock()
	users := make([]int64, 0, len(c.local))
	for id := range c.local {
		users = append(users, id)
	}
	c.mu.Unlock()

	if len(users) == 0 {
		return
	}

	ttlMillis := c.ttl.Milliseconds()
	for _, id := range users {
		if err := refreshScript.Run(ctx, c.client, []string{c.presenceKey(id)}, c.instance, ttlMillis).Err(); err != nil {
			c.log.Warn("cluster.refresh.fail", "user_id", id, "err", err)
			return
		}
	}
}
