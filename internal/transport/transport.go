// Package transport wraps github.com/redis/go-redis/v9 with the exact set
// of primitives the DFM runtime's key-value store contract needs: durable
// streams with consumer groups (XADD/XREADGROUP/XACK), a deadline-ordered
// sorted set (ZADD keep-minimum / ZRANGE peek / ZPOPMIN), a per-request
// appendable response list, and mailbox slots. Grounded on
// internal/messaging/redis_client.go's RedisClient wrapper shape.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvidia-earth2/dfm/internal/message"
)

// Config mirrors messaging.RedisConfig, extended with the K8S_*_REDIS_*
// environment surface documented in SPEC_FULL.md.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is the shared transport handle used by every DFM service.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a client and verifies connectivity, mirroring
// messaging.NewRedisClient.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("transport: redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewClientFromRaw wraps an already-constructed go-redis client, used by
// tests against miniredis-style fakes and by components that share one
// connection across several transport-shaped helpers.
func NewClientFromRaw(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

// EnsureGroup creates a stream's consumer group if absent, matching
// XGroupCreateMkStream("0") -- read from the beginning so no job is
// dropped when a group is created after the stream already has entries.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("transport: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

// PublishJob writes a Job to a stream (the execute or scheduler request
// channel).
func (c *Client) PublishJob(ctx context.Context, stream string, job message.Job) (string, error) {
	body, err := job.Marshal()
	if err != nil {
		return "", fmt.Errorf("transport: marshal job: %w", err)
	}
	return c.xadd(ctx, stream, body)
}

// PublishPackage writes a Package to the uplink stream.
func (c *Client) PublishPackage(ctx context.Context, stream string, pkg message.Package) (string, error) {
	body, err := pkg.Marshal()
	if err != nil {
		return "", fmt.Errorf("transport: marshal package: %w", err)
	}
	return c.xadd(ctx, stream, body)
}

func (c *Client) xadd(ctx context.Context, stream string, body []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"msg": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("transport: xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadOne blocks up to block for a single message on stream via
// XREADGROUP, returning ok=false on timeout. It does not ack -- callers
// that need the ack-before-execute discipline call Ack explicitly once
// they have safely captured the payload.
func (c *Client) ReadOne(ctx context.Context, stream, group, consumer string, block time.Duration) (id string, payload []byte, ok bool, err error) {
	if err := c.EnsureGroup(ctx, stream, group); err != nil {
		return "", nil, false, err
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("transport: xreadgroup %s: %w", stream, err)
	}
	for _, streamRes := range res {
		for _, m := range streamRes.Messages {
			raw, _ := m.Values["msg"].(string)
			return m.ID, []byte(raw), true, nil
		}
	}
	return "", nil, false, nil
}

// Ack acknowledges a message, removing it from the consumer group's
// pending entries list.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("transport: xack %s/%s: %w", stream, id, err)
	}
	return nil
}

// ZAddKeepMin inserts member at score using LT (keep-the-smaller-score)
// semantics, so duplicate enqueues of the same job collapse onto its
// earliest deadline.
func (c *Client) ZAddKeepMin(ctx context.Context, key string, score float64, member string) error {
	_, err := c.rdb.ZAddArgs(ctx, key, redis.ZAddArgs{
		LT: true,
		Members: []redis.Z{
			{Score: score, Member: member},
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("transport: zadd %s: %w", key, err)
	}
	return nil
}

// ZPeekMin returns the lowest-scored member without removing it.
func (c *Client) ZPeekMin(ctx context.Context, key string) (member string, score float64, ok bool, err error) {
	res, err := c.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("transport: zrange %s: %w", key, err)
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	s, _ := res[0].Member.(string)
	return s, res[0].Score, true, nil
}

// ZPopMin removes and returns the lowest-scored member.
func (c *Client) ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error) {
	res, err := c.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("transport: zpopmin %s: %w", key, err)
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	s, _ := res[0].Member.(string)
	return s, res[0].Score, true, nil
}

// AppendResponse appends one serialized Response to the per-request
// response list. Implemented as a native Redis list (RPUSH) rather than a
// RedisJSON arrappend -- the teacher's dependency set does not carry a
// RedisJSON client, and a plain list satisfies the same append-only,
// read-in-order contract (see DESIGN.md).
func (c *Client) AppendResponse(ctx context.Context, requestID string, body []byte) error {
	key := message.ResponseKey(requestID) + message.ResponsesField
	if err := c.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("transport: append response %s: %w", requestID, err)
	}
	return nil
}

// Responses returns every response appended so far for a request, in
// append order.
func (c *Client) Responses(ctx context.Context, requestID string) ([][]byte, error) {
	key := message.ResponseKey(requestID) + message.ResponsesField
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("transport: read responses %s: %w", requestID, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// SetMailbox writes a message into a mailbox slot.
func (c *Client) SetMailbox(ctx context.Context, requestID, mailbox, payload string) error {
	key := message.MailboxKey(requestID, mailbox)
	if err := c.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("transport: set mailbox %s: %w", key, err)
	}
	return nil
}

// GetMailbox reads a mailbox slot without deleting it -- mailbox reads are
// non-destructive by design (see SPEC_FULL.md open questions); a second
// read sees the same value.
func (c *Client) GetMailbox(ctx context.Context, requestID, mailbox string) (value string, ok bool, err error) {
	key := message.MailboxKey(requestID, mailbox)
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("transport: get mailbox %s: %w", key, err)
	}
	return v, true, nil
}

// EnqueuePending appends raw bytes to a named pending-retry list (used by
// uplink to hold packages whose target site was unreachable at delivery
// time).
func (c *Client) EnqueuePending(ctx context.Context, key string, data []byte) error {
	if err := c.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("transport: enqueue pending %s: %w", key, err)
	}
	return nil
}

// DrainPending atomically empties a pending-retry list and returns every
// item it held, in enqueue order.
func (c *Client) DrainPending(ctx context.Context, key string) ([][]byte, error) {
	pipe := c.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("transport: drain pending %s: %w", key, err)
	}
	vals, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("transport: drain pending %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
