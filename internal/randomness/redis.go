package randomness

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "lottery:oracle:"

// RedisOracle keeps randomness requests in Redis so an oracle process
// running elsewhere can fulfil them. Each request is a hash holding the
// seed, the request time and, once fulfilled, the value; unfulfilled
// handles are also members of a pending set.
type RedisOracle struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisOracle creates a RedisOracle. An empty prefix uses "lottery:oracle:".
func NewRedisOracle(client redis.UniversalClient, prefix string) *RedisOracle {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisOracle{client: client, prefix: prefix, now: time.Now}
}

func (o *RedisOracle) requestKey(h Handle) string {
	return o.prefix + "req:" + string(h)
}

func (o *RedisOracle) pendingKey() string {
	return o.prefix + "pending"
}

func (o *RedisOracle) Request(ctx context.Context, seed [32]byte) (Handle, error) {
	h := Handle(uuid.NewString())
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, o.requestKey(h),
			"seed", hex.EncodeToString(seed[:]),
			"requested_at", o.now().UnixNano(),
		)
		pipe.SAdd(ctx, o.pendingKey(), string(h))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("request randomness: %w", err)
	}
	return h, nil
}

func (o *RedisOracle) Poll(ctx context.Context, h Handle) ([]byte, bool, error) {
	fields, err := o.client.HMGet(ctx, o.requestKey(h), "seed", "value").Result()
	if err != nil {
		return nil, false, fmt.Errorf("poll %s: %w", h, err)
	}
	if fields[0] == nil {
		return nil, false, fmt.Errorf("poll %s: %w", h, ErrUnknownHandle)
	}
	raw, ok := fields[1].(string)
	if !ok || raw == "" {
		return nil, false, nil
	}
	value, err := hex.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode value for %s: %w", h, err)
	}
	return value, true, nil
}

// Pending lists requests that have not been fulfilled yet.
func (o *RedisOracle) Pending(ctx context.Context) ([]Request, error) {
	handles, err := o.client.SMembers(ctx, o.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]Request, 0, len(handles))
	for _, h := range handles {
		fields, err := o.client.HGetAll(ctx, o.requestKey(Handle(h))).Result()
		if err != nil {
			return nil, fmt.Errorf("load request %s: %w", h, err)
		}
		req, err := decodeRequest(Handle(h), fields)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Fulfill stores the value and removes the handle from the pending set.
func (o *RedisOracle) Fulfill(ctx context.Context, h Handle, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("fulfill %s: empty value", h)
	}
	key := o.requestKey(h)
	err := o.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, key, "seed", "value").Result()
		if err != nil {
			return err
		}
		if fields[0] == nil {
			return ErrUnknownHandle
		}
		if v, ok := fields[1].(string); ok && v != "" {
			return errors.New("already fulfilled")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "value", hex.EncodeToString(value))
			pipe.SRem(ctx, o.pendingKey(), string(h))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("fulfill %s: %w", h, err)
	}
	return nil
}

func decodeRequest(h Handle, fields map[string]string) (Request, error) {
	req := Request{Handle: h}
	seed, err := hex.DecodeString(fields["seed"])
	if err != nil || len(seed) != len(req.Seed) {
		return Request{}, fmt.Errorf("request %s has a malformed seed", h)
	}
	copy(req.Seed[:], seed)
	if ns, err := strconv.ParseInt(fields["requested_at"], 10, 64); err == nil {
		req.RequestedAt = time.Unix(0, ns)
	}
	return req, nil
}
