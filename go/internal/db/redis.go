package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/redis/go-redis/v9"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/prover"
)

// ErrNoBatch is returned when a batch has no stored tip.
var ErrNoBatch = errors.New("batch not found")

func NewRedis(addr, pass string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func pendingKey(batchID string) string { return fmt.Sprintf("batch:%s:pending", batchID) }
func tipKey(batchID string) string     { return fmt.Sprintf("batch:%s:tip", batchID) }
func lockKey(batchID string) string    { return fmt.Sprintf("lock:batch:%s", batchID) }
func idempKey(key string) string       { return "idemp:" + key }

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript refreshes the lock TTL only if it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Queue keeps per-batch state in Redis: pending submissions, the current
// chain tip and the fold lock.
type Queue struct {
	rdb *redis.Client
	// ttl applies to pending lists and tips; 0 keeps them forever.
	ttl time.Duration
}

func NewQueue(rdb *redis.Client, ttl time.Duration) *Queue {
	return &Queue{rdb: rdb, ttl: ttl}
}

type tipRecord struct {
	Cert  *prover.Certificate
	Steps uint64
}

// SaveTip stores the latest certificate of a batch and how many steps led
// to it.
func (q *Queue) SaveTip(ctx context.Context, batchID string, tip *prover.Certificate, steps int) error {
	b, err := rlp.EncodeToBytes(&tipRecord{Cert: tip, Steps: uint64(steps)})
	if err != nil {
		return fmt.Errorf("encode tip: %w", err)
	}
	start := time.Now()
	err = q.rdb.Set(ctx, tipKey(batchID), b, q.ttl).Err()
	metrics.ObserveRedis("set_tip", start, err)
	return err
}

func (q *Queue) LoadTip(ctx context.Context, batchID string) (*prover.Certificate, int, error) {
	start := time.Now()
	b, err := q.rdb.Get(ctx, tipKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveRedis("get_tip", start, nil)
		return nil, 0, ErrNoBatch
	}
	metrics.ObserveRedis("get_tip", start, err)
	if err != nil {
		return nil, 0, err
	}
	var rec tipRecord
	if err := rlp.DecodeBytes(b, &rec); err != nil {
		return nil, 0, fmt.Errorf("decode tip: %w", err)
	}
	return rec.Cert, int(rec.Steps), nil
}

func (q *Queue) Exists(ctx context.Context, batchID string) (bool, error) {
	start := time.Now()
	n, err := q.rdb.Exists(ctx, tipKey(batchID)).Result()
	metrics.ObserveRedis("exists", start, err)
	return n == 1, err
}

// Push appends a submission to the pending list and returns its length.
func (q *Queue) Push(ctx context.Context, batchID string, sub message.Submission) (int64, error) {
	b, err := json.Marshal(sub)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var n *redis.IntCmd
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		n = p.RPush(ctx, pendingKey(batchID), b)
		if q.ttl > 0 {
			p.Expire(ctx, pendingKey(batchID), q.ttl)
		}
		return nil
	})
	metrics.ObserveRedis("rpush", start, err)
	if err != nil {
		return 0, fmt.Errorf("RPush failed: %w", err)
	}
	return n.Val(), nil
}

// Pop removes up to n submissions from the head of the pending list.
func (q *Queue) Pop(ctx context.Context, batchID string, n int) ([]message.Submission, error) {
	start := time.Now()
	vals, err := q.rdb.LPopCount(ctx, pendingKey(batchID), n).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveRedis("lpop", start, err)
	if err != nil {
		return nil, fmt.Errorf("LPop error: %w", err)
	}
	subs := make([]message.Submission, 0, len(vals))
	for _, v := range vals {
		var sub message.Submission
		if err := json.Unmarshal([]byte(v), &sub); err != nil {
			return nil, fmt.Errorf("decode pending entry: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// PushFront puts subs back at the head of the pending list, keeping their
// order.
func (q *Queue) PushFront(ctx context.Context, batchID string, subs []message.Submission) error {
	if len(subs) == 0 {
		return nil
	}
	vals := make([]interface{}, len(subs))
	for i, sub := range subs {
		b, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		// LPUSH prepends one value at a time
		vals[len(subs)-1-i] = b
	}
	start := time.Now()
	err := q.rdb.LPush(ctx, pendingKey(batchID), vals...).Err()
	metrics.ObserveRedis("lpush", start, err)
	return err
}

func (q *Queue) Pending(ctx context.Context, batchID string) (int64, error) {
	start := time.Now()
	n, err := q.rdb.LLen(ctx, pendingKey(batchID)).Result()
	metrics.ObserveRedis("llen", start, err)
	return n, err
}

// ClaimIdempotency records key for value unless it is already taken. It
// returns the value stored under key and whether this call stored it.
func (q *Queue) ClaimIdempotency(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	start := time.Now()
	ok, err := q.rdb.SetNX(ctx, idempKey(key), value, ttl).Result()
	metrics.ObserveRedis("setnx_idemp", start, err)
	if err != nil {
		return "", false, err
	}
	if ok {
		return value, true, nil
	}
	existing, err := q.rdb.Get(ctx, idempKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return q.ClaimIdempotency(ctx, key, value, ttl)
	}
	return existing, false, err
}

// ForgetIdempotency drops a claim whose submission never made it into the
// queue.
func (q *Queue) ForgetIdempotency(ctx context.Context, key string) error {
	return q.rdb.Del(ctx, idempKey(key)).Err()
}

// AcquireLock takes the fold lock of a batch for ttl.
func (q *Queue) AcquireLock(ctx context.Context, batchID, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := q.rdb.SetNX(ctx, lockKey(batchID), token, ttl).Result()
	metrics.ObserveRedis("setnx_lock", start, err)
	return ok && err == nil, err
}

// ExtendLock pushes the lock expiry out by ttl. It reports false when the
// lock expired or passed to another holder.
func (q *Queue) ExtendLock(ctx context.Context, batchID, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	n, err := extendScript.Run(ctx, q.rdb, []string{lockKey(batchID)}, token, ttl.Milliseconds()).Int()
	metrics.ObserveRedis("extend_lock", start, err)
	return n == 1 && err == nil, err
}

func (q *Queue) ReleaseLock(ctx context.Context, batchID, token string) error {
	start := time.Now()
	err := releaseScript.Run(ctx, q.rdb, []string{lockKey(batchID)}, token).Err()
	metrics.ObserveRedis("release_lock", start, err)
	return err
}
