// Package redis implements the fast store on Redis: one string key per event
// (JSON, with TTL) and one sorted set per index scored by the event's unix
// microseconds.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"knowton/internal/audit/store"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

const defaultPrefix = "audit"

// latestScanBatch bounds how many timeline ids Latest inspects per round trip.
const latestScanBatch = 16

// advanceHead replaces the chain head only with a link of a greater id.
var advanceHead = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cjson.decode(cur).id >= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// Store implements store.FastStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Redis-backed fast store.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) eventKey(id string) string { return s.prefix + ":event:" + id }
func (s *Store) refsKey(id string) string { return s.prefix + ":refs:" + id }
func (s *Store) indexKey(key store.IndexKey) string { return s.prefix + ":idx:" + string(key) }
func (s *Store) linkKey(hash string) string { return s.prefix + ":link:" + hash }
func (s *Store) headKey() string { return s.prefix + ":chain:head" }

// classify marks connection-level failures as sentinel.ErrUnavailable.
// Caller cancellation and deadlines pass through untouched.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, redis.ErrPoolTimeout) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}

func score(ts time.Time) float64 { return float64(ts.UnixMicro()) }

func bound(ts time.Time, open string) string {
	if ts.IsZero() {
		return open
	}
	return strconv.FormatInt(ts.UnixMicro(), 10)
}

func (s *Store) Put(ctx context.Context, event audit.Event, ttl time.Duration) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Set(ctx, s.eventKey(event.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set event: %w", classify(err))
	}
	return nil
}

// AddToIndex adds id to the sorted set and records the membership so Remove
// can find the index after the record itself has expired.
func (s *Store) AddToIndex(ctx context.Context, key store.IndexKey, id string, ts time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.indexKey(key), redis.Z{Score: score(ts), Member: id})
		pipe.SAdd(ctx, s.refsKey(id), string(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", key, classify(err))
	}
	return nil
}

func (s *Store) PutLink(ctx context.Context, link audit.Link, ttl time.Duration) error {
	payload, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	if err := s.client.Set(ctx, s.linkKey(link.Hash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set link: %w", classify(err))
	}
	if err := advanceHead.Run(ctx, s.client, []string{s.headKey()}, link.ID, payload).Err(); err != nil {
		return fmt.Errorf("advance chain head: %w", classify(err))
	}
	return nil
}

func (s *Store) Link(ctx context.Context, hash string) (audit.Link, bool, error) {
	return s.getLink(ctx, s.linkKey(hash))
}

func (s *Store) getLink(ctx context.Context, key string) (audit.Link, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return audit.Link{}, false, nil
	}
	if err != nil {
		return audit.Link{}, false, fmt.Errorf("get link: %w", classify(err))
	}
	var l audit.Link
	if err := json.Unmarshal(raw, &l); err != nil {
		return audit.Link{}, false, fmt.Errorf("decode link %s: %w", key, err)
	}
	return l, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (audit.Event, error) {
	raw, err := s.client.Get(ctx, s.eventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return audit.Event{}, sentinel.ErrNotFound
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("get event: %w", classify(err))
	}
	var e audit.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return audit.Event{}, fmt.Errorf("decode event %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) GetMany(ctx context.Context, ids []string) ([]audit.Event, error) {
	if len(ids) == 0 {
		return []audit.Event{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget events: %w", classify(err))
	}
	events := make([]audit.Event, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ids[i], err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) Range(ctx context.Context, key store.IndexKey, q store.RangeQuery) ([]string, error) {
	count := int64(q.Limit)
	if count <= 0 {
		count = -1
	}
	ids, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     s.indexKey(key),
		Start:   bound(q.From, "-inf"),
		Stop:    bound(q.To, "+inf"),
		ByScore: true,
		Rev:     !q.Ascending,
		Offset:  int64(q.Offset),
		Count:   count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, classify(err))
	}
	return ids, nil
}

func (s *Store) Count(ctx context.Context, key store.IndexKey, from, to time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.indexKey(key), bound(from, "-inf"), bound(to, "+inf")).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, classify(err))
	}
	return n, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	keys, err := s.client.SMembers(ctx, s.refsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("load index refs: %w", classify(err))
	}
	if len(keys) == 0 {
		keys = []string{string(store.TimelineIndex())}
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.ZRem(ctx, s.indexKey(store.IndexKey(k)), id)
		}
		pipe.Del(ctx, s.eventKey(id), s.refsKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove event %s: %w", id, classify(err))
	}
	return nil
}

func (s *Store) Latest(ctx context.Context) (audit.Event, bool, error) {
	head, ok, err := s.getLink(ctx, s.headKey())
	if err != nil {
		return audit.Event{}, false, err
	}
	if ok {
		return head.Head(), true, nil
	}
	for offset := 0; ; offset += latestScanBatch {
		ids, err := s.Range(ctx, store.TimelineIndex(), store.RangeQuery{Offset: offset, Limit: latestScanBatch})
		if err != nil {
			return audit.Event{}, false, err
		}
		if len(ids) == 0 {
			return audit.Event{}, false, nil
		}
		events, err := s.GetMany(ctx, ids)
		if err != nil {
			return audit.Event{}, false, err
		}
		if len(events) > 0 {
			return events[0], true, nil
		}
	}
}

// Health pings Redis.
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}
