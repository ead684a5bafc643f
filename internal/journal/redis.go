package journal

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/actseq/pkg/schema"
)

// upsertEntry writes an entry only when its version is newer than the one
// recorded. KEYS: entries hash, versions hash. ARGV: field, value, version.
var upsertEntry = backend.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if current >= tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// Redis is a Journal backed by Redis lists and hashes.
type Redis struct {
	client *backend.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a Redis journal.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Defaults to "actseq:".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis connects to the Redis server at addr.
func NewRedis(addr, password string, db int, opts ...RedisOption) *Redis {
	return NewRedisFromClient(backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "actseq:",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) eventsKey() string         { return r.prefix + "events" }
func (r *Redis) streamKey(s string) string { return r.prefix + "stream:" + s }
func (r *Redis) seqKey(s string) string    { return r.prefix + "seq:" + s }
func (r *Redis) idKey() string             { return r.prefix + "event:id" }
func (r *Redis) entriesKey() string        { return r.prefix + "entries" }
func (r *Redis) versionsKey() string       { return r.prefix + "entries:version" }

func entryField(collection, id string) string { return collection + "\x00" + id }

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AppendEvent assigns id and stream sequence, then pushes the event onto the
// global list and its stream list.
func (r *Redis) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	entry, isCommit, err := entryOf(event)
	if err != nil {
		return err
	}

	stream := streamOf(event)
	var idCmd, seqCmd *backend.IntCmd
	if _, err := r.client.TxPipelined(ctx, func(p backend.Pipeliner) error {
		idCmd = p.Incr(ctx, r.idKey())
		seqCmd = p.Incr(ctx, r.seqKey(stream))
		return nil
	}); err != nil {
		return fmt.Errorf("allocate event id: %w", err)
	}

	stored := *event
	stored.ID = idCmd.Val()
	stored.Sequence = seqCmd.Val()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.eventsKey(), data)
	pipe.RPush(ctx, r.streamKey(stream), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push event: %w", err)
	}

	if isCommit {
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := upsertEntry.Run(ctx, r.client,
			[]string{r.entriesKey(), r.versionsKey()},
			entryField(entry.Collection, entry.ID), value, entry.Version,
		).Err(); err != nil {
			return fmt.Errorf("upsert entry: %w", err)
		}
	}

	event.ID = stored.ID
	event.Sequence = stored.Sequence
	return nil
}

// Events reads the execution's stream when the filter names one, the global
// list otherwise, and filters client-side.
func (r *Redis) Events(ctx context.Context, f EventFilter) ([]*schema.Event, error) {
	key := r.eventsKey()
	if f.ExecutionID != "" {
		key = r.streamKey("exec:" + f.ExecutionID)
	}
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]*schema.Event, 0, len(raw))
	for _, s := range raw {
		var e schema.Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if f.Match(&e) {
			out = append(out, &e)
		}
	}
	// Concurrent appenders may push out of id order.
	slices.SortFunc(out, func(a, b *schema.Event) int { return cmp.Compare(a.ID, b.ID) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *Redis) Latest(ctx context.Context) ([]Entry, error) {
	raw, err := r.client.HGetAll(ctx, r.entriesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }
