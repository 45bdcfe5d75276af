// Package redis provides Redis persistence for delegate tasks, wait sets,
// approval instances and outputs.
//
// Each record is a hash holding the JSON document, its version and its status.
// Conditional writes run as Lua scripts so the version check and the write are atomic.
// Sorted sets keyed by deadline back the sweeper queries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/relay/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "relay"

const (
	createLookupTaken = -2
	createExists      = 0
	writeNotFound     = -1
	writeConflict     = 0
	writeSucceeded    = 1
)

// createScript stores a new record, indexes it and writes auxiliary lookup keys.
// KEYS: record, index zset, lookup keys...
// ARGV: document, index member, index score ("" skips), status, lookup value.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 3, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 1 then return -2 end
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'version', 1, 'status', ARGV[4])
if ARGV[3] ~= '' then redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2]) end
for i = 3, #KEYS do redis.call('SET', KEYS[i], ARGV[5]) end
return 1
`)

// casScript replaces a record when its version (and optionally its status) match.
// KEYS: record, index zset, optional pending zset.
// ARGV: expected version, document, index member, index score ("" removes), required status ("" skips),
// new status, pending score ("" removes).
var casScript = goredis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'version', 'status')
if not current[1] then return -1 end
if tonumber(current[1]) ~= tonumber(ARGV[1]) then return 0 end
if ARGV[5] ~= '' and current[2] ~= ARGV[5] then return 0 end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', tonumber(ARGV[1]) + 1, 'status', ARGV[6])
if ARGV[4] == '' then
	redis.call('ZREM', KEYS[2], ARGV[3])
else
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
end
if KEYS[3] then
	if ARGV[7] == '' then
		redis.call('ZREM', KEYS[3], ARGV[3])
	else
		redis.call('ZADD', KEYS[3], ARGV[7], ARGV[3])
	end
end
return 1
`)

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client goredis.UniversalClient
	logger *slog.Logger
	prefix string

	taskRepo     *TaskRepository
	waitSetRepo  *WaitSetRepository
	approvalRepo *ApprovalRepository
	outputRepo   *OutputRepository
}

// Option configures Persistence.
type Option func(*Persistence)

// WithPrefix sets a custom key prefix (default "relay").
func WithPrefix(prefix string) Option {
	return func(p *Persistence) {
		p.prefix = prefix
	}
}

// NewPersistenceFromURL connects using a redis:// or rediss:// URL.
func NewPersistenceFromURL(ctx context.Context, logger *slog.Logger, redisURL string, opts ...Option) (*Persistence, error) {
	options, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	p := NewPersistence(logger, goredis.NewClient(options), opts...)

	if err := p.HealthCheck(ctx); err != nil {
		_ = p.client.Close()

		return nil, err
	}

	return p, nil
}

// NewPersistence wraps an existing client.
func NewPersistence(logger *slog.Logger, client goredis.UniversalClient, opts ...Option) *Persistence {
	p := &Persistence{client: client, logger: logger, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(p)
	}

	p.taskRepo = &TaskRepository{p: p}
	p.waitSetRepo = &WaitSetRepository{p: p}
	p.approvalRepo = &ApprovalRepository{p: p}
	p.outputRepo = &OutputRepository{p: p}

	return p
}

func (p *Persistence) Close(_ context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) WaitSetRepository() persistence.WaitSetRepository {
	return p.waitSetRepo
}

func (p *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return p.approvalRepo
}

func (p *Persistence) OutputRepository() persistence.OutputRepository {
	return p.outputRepo
}

func (p *Persistence) key(parts ...string) string {
	key := p.prefix
	for _, part := range parts {
		key += ":" + part
	}

	return key
}

func score(at *time.Time) string {
	if at == nil {
		return ""
	}

	return strconv.FormatInt(at.UnixMilli(), 10)
}

// create runs createScript and maps its result.
func (p *Persistence) create(ctx context.Context, keys []string, doc any, member, indexScore, status, lookupValue string) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	result, err := createScript.Run(ctx, p.client, keys, data, member, indexScore, status, lookupValue).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to create record: %w", err)
	}

	return result, nil
}

// indexes names the sorted sets a conditional write maintains and the member
// scores. An empty pendingKey leaves the record with a single index.
type indexes struct {
	deadlineKey   string
	deadlineScore string
	pendingKey    string
	pendingScore  string
}

// compareAndSet runs casScript and maps its result.
func (p *Persistence) compareAndSet(ctx context.Context, recordKey string, idx indexes, expected int64, doc any, member, requiredStatus, status string) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{recordKey, idx.deadlineKey}
	if idx.pendingKey != "" {
		keys = append(keys, idx.pendingKey)
	}

	result, err := casScript.Run(ctx, p.client, keys,
		expected, data, member, idx.deadlineScore, requiredStatus, status, idx.pendingScore).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to update record: %w", err)
	}

	return result, nil
}

// load reads a record hash into v and returns the stored version.
func (p *Persistence) load(ctx context.Context, recordKey string, v any) (int64, bool, error) {
	values, err := p.client.HMGet(ctx, recordKey, "doc", "version").Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read record: %w", err)
	}

	doc, ok := values[0].(string)
	if !ok {
		return 0, false, nil
	}

	versionText, _ := values[1].(string)

	version, err := strconv.ParseInt(versionText, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid record version %q: %w", versionText, err)
	}

	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return version, true, nil
}

// dueMembers returns index members scored at or before now.
func (p *Persistence) dueMembers(ctx context.Context, indexKey string, now time.Time) ([]string, error) {
	members, err := p.client.ZRangeByScore(ctx, indexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to query index %s: %w", indexKey, err)
	}

	return members, nil
}

func writeError(op, record, id string, result int64, notFound error) error {
	switch result {
	case writeSucceeded:
		return nil
	case writeNotFound:
		return persistence.NewRecordError(op, record, id, notFound)
	case writeConflict:
		return persistence.NewRecordError(op, record, id, persistence.ErrVersionConflict)
	default:
		return fmt.Errorf("%s: unexpected script result %d", op, result)
	}
}
