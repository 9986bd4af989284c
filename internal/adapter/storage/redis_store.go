package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

const entityKeyPrefix = "entity:"

const (
	casNotFound = -1
	casConflict = -2
)

var createEntityScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'kind', ARGV[1], 'amount', ARGV[2], 'unit_price', ARGV[3], 'version', 1)
return 1
`)

var compareAndSwapScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
	return -1
end
if tonumber(current) ~= tonumber(ARGV[1]) then
	return -2
end
redis.call('HSET', KEYS[1], 'amount', ARGV[2], 'unit_price', ARGV[3])
return redis.call('HINCRBY', KEYS[1], 'version', 1)
`)

var restoreScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
	return -1
end
if tonumber(current) ~= tonumber(ARGV[1]) then
	return -2
end
redis.call('HSET', KEYS[1], 'amount', ARGV[2], 'unit_price', ARGV[3], 'version', ARGV[4])
return 1
`)

// RedisStore keeps each entity in a hash; every write is a Lua script so
// the version check and the update are atomic on the server.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key domain.Key) (domain.Value, uint64, error) {
	fields, err := r.client.HGetAll(ctx, entityKeyPrefix+string(key)).Result()
	if err != nil {
		return domain.Value{}, 0, storeUnavailable("read entity", key, err)
	}
	if len(fields) == 0 {
		return domain.Value{}, 0, domain.KeyError(domain.CodeNotFound, "entity not found", key)
	}

	amount, err1 := strconv.ParseInt(fields["amount"], 10, 64)
	price, err2 := strconv.ParseInt(fields["unit_price"], 10, 64)
	version, err3 := strconv.ParseUint(fields["version"], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return domain.Value{}, 0, storeUnavailable("decode entity", key, err)
	}
	return domain.Value{Kind: domain.Kind(fields["kind"]), Amount: amount, UnitPrice: price}, version, nil
}

func (r *RedisStore) Create(ctx context.Context, key domain.Key, value domain.Value) error {
	created, err := createEntityScript.Run(ctx, r.client, []string{entityKeyPrefix + string(key)},
		string(value.Kind), value.Amount, value.UnitPrice).Int()
	if err != nil {
		return storeUnavailable("create entity", key, err)
	}
	if created == 0 {
		return domain.KeyError(domain.CodeAlreadyExists, "entity already exists", key)
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key domain.Key, expectedVersion uint64, value domain.Value) (uint64, error) {
	result, err := compareAndSwapScript.Run(ctx, r.client, []string{entityKeyPrefix + string(key)},
		expectedVersion, value.Amount, value.UnitPrice).Int64()
	if err != nil {
		return 0, storeUnavailable("swap entity", key, err)
	}
	if err := scriptOutcome(result, key); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (r *RedisStore) Restore(ctx context.Context, key domain.Key, appliedVersion uint64, prior domain.Snapshot) error {
	result, err := restoreScript.Run(ctx, r.client, []string{entityKeyPrefix + string(key)},
		appliedVersion, prior.Value.Amount, prior.Value.UnitPrice, prior.Version).Int64()
	if err != nil {
		return storeUnavailable("restore entity", key, err)
	}
	return scriptOutcome(result, key)
}

func scriptOutcome(result int64, key domain.Key) error {
	switch result {
	case casNotFound:
		return domain.KeyError(domain.CodeNotFound, "entity not found", key)
	case casConflict:
		return domain.KeyError(domain.CodeVersionConflict, "stale version", key)
	default:
		return nil
	}
}
