package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisManager is the multi-node Manager. Each lock lives in one redis key
// with a TTL; Lua scripts make the holder check and the write a single
// atomic step, so two backends racing for the same check cannot both win.
type RedisManager struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a RedisManager whose locks expire after ttl.
func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisManager {
	return &RedisManager{rdb: rdb, ttl: ttl}
}

func lockKey(checkID uuid.UUID) string { return "caps:lock:" + checkID.String() }

func wsIndexKey(workstationID string) string { return "caps:lock:ws:" + workstationID }

type redisLock struct {
	WorkstationID string `json:"ws"`
	EmployeeID    string `json:"emp"`
	AcquiredAt    int64  `json:"at"`
}

// acquireScript writes the lock unless a different workstation holds a
// live one; redis TTL handles expiry, so an expired key is simply absent.
var acquireScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur then
		local holder = cjson.decode(cur)
		if holder['ws'] ~= ARGV[1] then
			return cur
		end
	end
	redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
	redis.call('SADD', KEYS[2], KEYS[1])
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
	return false
`)

// refreshScript extends the TTL only while the same workstation still
// holds the lock.
var refreshScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if not cur then
		return 'gone'
	end
	local holder = cjson.decode(cur)
	if holder['ws'] ~= ARGV[1] then
		return cur
	end
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return false
`)

// releaseScript deletes the lock only if owned by the caller.
var releaseScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if not cur then
		return 0
	end
	local holder = cjson.decode(cur)
	if holder['ws'] == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (m *RedisManager) Acquire(ctx context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(redisLock{WorkstationID: workstationID, EmployeeID: employeeID, AcquiredAt: now.Unix()})

	res, err := acquireScript.Run(ctx, m.rdb,
		[]string{lockKey(checkID), wsIndexKey(workstationID)},
		workstationID, employeeID, string(payload), m.ttl.Milliseconds(),
	).Result()
	if err != nil && err != redis.Nil {
		return Lock{}, fmt.Errorf("lock acquire: %w", err)
	}
	if s, ok := res.(string); ok && s != "" {
		var holder redisLock
		if err := json.Unmarshal([]byte(s), &holder); err != nil {
			return Lock{}, fmt.Errorf("lock acquire: decode holder: %w", err)
		}
		return Lock{}, heldBy(checkID, Lock{WorkstationID: holder.WorkstationID, EmployeeID: holder.EmployeeID})
	}
	return Lock{
		CheckID:       checkID,
		WorkstationID: workstationID,
		EmployeeID:    employeeID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.ttl),
	}, nil
}

func (m *RedisManager) Refresh(ctx context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(redisLock{WorkstationID: workstationID, EmployeeID: employeeID, AcquiredAt: now.Unix()})

	res, err := refreshScript.Run(ctx, m.rdb,
		[]string{lockKey(checkID)},
		workstationID, string(payload), m.ttl.Milliseconds(),
	).Result()
	if err != nil && err != redis.Nil {
		return Lock{}, fmt.Errorf("lock refresh: %w", err)
	}
	if s, ok := res.(string); ok {
		if s == "gone" {
			return Lock{}, expired(checkID)
		}
		var holder redisLock
		if err := json.Unmarshal([]byte(s), &holder); err != nil {
			return Lock{}, fmt.Errorf("lock refresh: decode holder: %w", err)
		}
		return Lock{}, heldBy(checkID, Lock{WorkstationID: holder.WorkstationID, EmployeeID: holder.EmployeeID})
	}
	return Lock{
		CheckID:       checkID,
		WorkstationID: workstationID,
		EmployeeID:    employeeID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.ttl),
	}, nil
}

func (m *RedisManager) Release(ctx context.Context, checkID uuid.UUID, workstationID string) error {
	err := releaseScript.Run(ctx, m.rdb, []string{lockKey(checkID)}, workstationID).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock release: %w", err)
	}
	_ = m.rdb.SRem(ctx, wsIndexKey(workstationID), lockKey(checkID)).Err()
	return nil
}

func (m *RedisManager) ReleaseAll(ctx context.Context, workstationID string) error {
	keys, err := m.rdb.SMembers(ctx, wsIndexKey(workstationID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock release all: %w", err)
	}
	for _, k := range keys {
		if err := releaseScript.Run(ctx, m.rdb, []string{k}, workstationID).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("lock release all: %w", err)
		}
	}
	return m.rdb.Del(ctx, wsIndexKey(workstationID)).Err()
}

func (m *RedisManager) Holder(ctx context.Context, checkID uuid.UUID) (Lock, bool, error) {
	s, err := m.rdb.Get(ctx, lockKey(checkID)).Result()
	if err == redis.Nil {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("lock holder: %w", err)
	}
	var holder redisLock
	if err := json.Unmarshal([]byte(s), &holder); err != nil {
		return Lock{}, false, fmt.Errorf("lock holder: decode: %w", err)
	}
	return Lock{
		CheckID:       checkID,
		WorkstationID: holder.WorkstationID,
		EmployeeID:    holder.EmployeeID,
		AcquiredAt:    time.Unix(holder.AcquiredAt, 0).UTC(),
	}, true, nil
}
