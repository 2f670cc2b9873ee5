package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	goredis "github.com/go-redis/redis/v7"

	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/pool"
)

var logger = log.NewModuleLogger(log.Storage)

// redisStore is the production Store backend: a struct wrapping the
// client with an embedded contextual logger, one method per operation,
// no hidden in-process locking. Every invariant that spans keys is
// pushed into a Lua script run server-side (spec.md §4.1, §9).
type redisStore struct {
	client  *goredis.Client
	sponsor string
	logger  log.Logger

	scriptReserve *goredis.Script
	scriptGet     *goredis.Script
	scriptReady   *goredis.Script
	scriptRelease *goredis.Script
	scriptExpire  *goredis.Script
	scriptAcquire *goredis.Script
	scriptRelLock *goredis.Script
	scriptIncr    *goredis.Script
}

// NewRedisStore dials the given redis URL and loads the driver's scripts.
func NewRedisStore(redisURL, sponsor string) (Store, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opt)
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := &redisStore{
		client:  client,
		sponsor: sponsor,
		logger:  logger.With("sponsor", sponsor),
	}
	s.scriptReserve = goredis.NewScript(reserveGasCoinsScript)
	s.scriptGet = goredis.NewScript(getReservationScript)
	s.scriptReady = goredis.NewScript(readyForExecutionScript)
	s.scriptRelease = goredis.NewScript(releaseReservationScript)
	s.scriptExpire = goredis.NewScript(expireReservationsScript)
	s.scriptAcquire = goredis.NewScript(acquireInitLockScript)
	s.scriptRelLock = goredis.NewScript(releaseInitLockScript)
	s.scriptIncr = goredis.NewScript(aggrIncrementSumScript)

	return s, nil
}

func (s *redisStore) poolKey() string       { return "pool:" + s.sponsor }
func (s *redisStore) reservationKey(id uint64) string {
	return fmt.Sprintf("reservation:%d", id)
}
func (s *redisStore) byExpiryKey() string   { return "reservations:by_expiry" }
func (s *redisStore) idCounterKey() string  { return "reservation_id_counter:" + s.sponsor }
func (s *redisStore) initLockKey() string   { return "init_lock:" + s.sponsor }
func (s *redisStore) dailyUsageKey() string { return "usage:daily:" + s.sponsor }

func encodeRef(r pool.CoinRef) string {
	b, _ := json.Marshal(r)
	return string(b)
}

func decodeRef(s string) (pool.CoinRef, error) {
	var r pool.CoinRef
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

// reserve_gas_coins(budget, duration): pop coins from the pool head,
// accumulating balance, until it covers budget or the cap/pool is
// exhausted. On shortfall restore every popped coin in its original
// relative order (spec.md §4.2 steps 1-4). reservation_id is assigned
// from a store-owned monotonic counter (spec.md §9 "global identifiers").
const reserveGasCoinsScript = `
local poolKey = KEYS[1]
local resPrefix = KEYS[2]
local expiryKey = KEYS[3]
local idCounterKey = KEYS[4]
local budget = tonumber(ARGV[1])
local expiresAt = tonumber(ARGV[2])
local ttlSeconds = tonumber(ARGV[3])
local maxCoins = tonumber(ARGV[4])

local popped = {}
local sum = 0
local insufficient = false
local capped = false

while sum < budget do
  local item = redis.call('LPOP', poolKey)
  if not item then
    insufficient = true
    break
  end
  table.insert(popped, item)
  local bal = tonumber(string.match(item, '"balance":(%d+)'))
  sum = sum + bal
  if sum < budget and #popped >= maxCoins then
    capped = true
    break
  end
end

if insufficient or capped then
  -- restore in original order: push back at the head, reverse order
  for i = #popped, 1, -1 do
    redis.call('LPUSH', poolKey, popped[i])
  end
  if capped then
    return {err = 'CAP'}
  end
  return {err = 'INSUFFICIENT'}
end

local resID = redis.call('INCR', idCounterKey)
local resKey = resPrefix .. resID
redis.call('HSET', resKey, 'state', 'Live', 'total_balance', sum, 'requested_budget', budget, 'expires_at', expiresAt)
for i, item in ipairs(popped) do
  redis.call('RPUSH', resKey .. ':coins', item)
end
redis.call('EXPIRE', resKey, ttlSeconds)
redis.call('EXPIRE', resKey .. ':coins', ttlSeconds)
redis.call('ZADD', expiryKey, expiresAt, resID)

local out = {tostring(resID)}
for _, item in ipairs(popped) do
  table.insert(out, item)
end
return out
`

// get_reservation(reservation_id): read-only lookup of a reservation's
// state, requested budget, and coin refs, for any instance to validate
// an execute_tx against regardless of which instance served reserve_gas.
const getReservationScript = `
local resKey = KEYS[1]
local now = tonumber(ARGV[1])

local fields = redis.call('HMGET', resKey, 'state', 'total_balance', 'requested_budget', 'expires_at')
if not fields[1] then
  return {err = 'NOTFOUND'}
end
local expiresAt = tonumber(fields[4])
if expiresAt <= now then
  return {err = 'EXPIRED'}
end
local coins = redis.call('LRANGE', resKey .. ':coins', 0, -1)
local out = {fields[1], fields[2], fields[3], fields[4]}
for _, c in ipairs(coins) do
  table.insert(out, c)
end
return out
`

// ready_for_execution(reservation_id): Live -> Executing, return coin
// refs. NotFound/Expired surfaced as error sentinels the Go side maps.
const readyForExecutionScript = `
local resKey = KEYS[1]
local now = tonumber(ARGV[1])

local state = redis.call('HGET', resKey, 'state')
if not state then
  return {err = 'NOTFOUND'}
end
local expiresAt = tonumber(redis.call('HGET', resKey, 'expires_at'))
if expiresAt <= now then
  return {err = 'EXPIRED'}
end
if state == 'Live' then
  redis.call('HSET', resKey, 'state', 'Executing')
end
return redis.call('LRANGE', resKey .. ':coins', 0, -1)
`

// release_reservation(reservation_id, updated_coin_refs?): delete the
// reservation atomically with appending updated to the pool (spec.md
// §4.1, the single finalization point per spec.md §4.5).
const releaseReservationScript = `
local resKey = KEYS[1]
local poolKey = KEYS[2]
local expiryKey = KEYS[3]
local resID = ARGV[1]

redis.call('DEL', resKey)
redis.call('DEL', resKey .. ':coins')
redis.call('ZREM', expiryKey, resID)

for i = 2, #ARGV do
  redis.call('RPUSH', poolKey, ARGV[i])
end
return 1
`

// expire_reservations(now): reclaim every reservation whose expiry has
// passed, returning their coins to the pool and deleting them (spec.md
// §4.1, §4.3). A single script call covers the whole sweep so two
// sweeper instances can never both reclaim the same reservation.
const expireReservationsScript = `
local expiryKey = KEYS[1]
local resPrefix = KEYS[2]
local poolKey = KEYS[3]
local now = tonumber(ARGV[1])

local ids = redis.call('ZRANGEBYSCORE', expiryKey, '-inf', now)
local reclaimed = {}
for _, id in ipairs(ids) do
  local resKey = resPrefix .. id
  local coins = redis.call('LRANGE', resKey .. ':coins', 0, -1)
  for _, c in ipairs(coins) do
    redis.call('RPUSH', poolKey, c)
  end
  redis.call('DEL', resKey)
  redis.call('DEL', resKey .. ':coins')
  redis.call('ZREM', expiryKey, id)
  table.insert(reclaimed, id)
end
return reclaimed
`

// acquire_init_lock(ttl): SET NX PX, so a crashed holder's lock still
// times out (spec.md §3 "Init lock").
const acquireInitLockScript = `
local lockKey = KEYS[1]
local ttlMs = ARGV[1]
local token = ARGV[2]
local ok = redis.call('SET', lockKey, token, 'NX', 'PX', ttlMs)
if ok then
  return 1
end
return 0
`

const releaseInitLockScript = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// aggr_increment_sum(bucket_key, amount, window_ttl): idempotent
// first-write sets the counter to 0 with TTL, then clamps at
// math.MaxInt64 rather than wrapping (spec.md §4.1 overflow policy).
const aggrIncrementSumScript = `
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local maxVal = tonumber(ARGV[3])

if redis.call('EXISTS', key) == 0 then
  redis.call('SET', key, 0, 'EX', ttl)
end

local cur = tonumber(redis.call('GET', key))
local newVal = cur + amount
if newVal > maxVal then
  newVal = maxVal
end
redis.call('SET', key, newVal, 'KEEPTTL')
return newVal
`

func (s *redisStore) ReserveGasCoins(ctx context.Context, budget uint64, duration time.Duration) (*pool.Reservation, error) {
	now := time.Now()
	expiresAt := now.Add(duration).Unix()
	res, err := s.scriptReserve.Run(s.client, []string{
		s.poolKey(), "reservation:", s.byExpiryKey(), s.idCounterKey(),
	}, budget, expiresAt, int64(duration.Seconds()), maxCoinsPerReservation).Result()
	if err != nil {
		switch {
		case isScriptErr(err, "INSUFFICIENT"):
			return nil, pool.ErrInsufficient
		case isScriptErr(err, "CAP"):
			return nil, pool.ErrCap
		default:
			return nil, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
		}
	}

	rows, ok := res.([]interface{})
	if !ok || len(rows) == 0 {
		return nil, fmt.Errorf("%w: malformed reserve response", pool.ErrInternal)
	}
	idStr, _ := rows[0].(string)
	var resID uint64
	fmt.Sscanf(idStr, "%d", &resID)

	refs := make([]pool.CoinRef, 0, len(rows)-1)
	for _, row := range rows[1:] {
		str, _ := row.(string)
		ref, err := decodeRef(str)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding coin ref: %v", pool.ErrInternal, err)
		}
		refs = append(refs, ref)
	}

	return &pool.Reservation{
		ID:              resID,
		CoinRefs:        refs,
		TotalBalance:    pool.Sum(refs),
		RequestedBudget: budget,
		ExpiresAt:       expiresAt,
		State:           pool.StateLive,
	}, nil
}

const maxCoinsPerReservation = 256

func (s *redisStore) GetReservation(ctx context.Context, reservationID uint64) (*pool.Reservation, error) {
	res, err := s.scriptGet.Run(s.client, []string{s.reservationKey(reservationID)}, time.Now().Unix()).Result()
	if err != nil {
		switch {
		case isScriptErr(err, "NOTFOUND"):
			return nil, pool.ErrNotFound
		case isScriptErr(err, "EXPIRED"):
			return nil, pool.ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
		}
	}
	rows, ok := res.([]interface{})
	if !ok || len(rows) < 4 {
		return nil, fmt.Errorf("%w: malformed get-reservation response", pool.ErrInternal)
	}
	state, _ := rows[0].(string)
	var totalBalance, requestedBudget uint64
	var expiresAt int64
	fmt.Sscanf(fmt.Sprint(rows[1]), "%d", &totalBalance)
	fmt.Sscanf(fmt.Sprint(rows[2]), "%d", &requestedBudget)
	fmt.Sscanf(fmt.Sprint(rows[3]), "%d", &expiresAt)

	refs := make([]pool.CoinRef, 0, len(rows)-4)
	for _, row := range rows[4:] {
		str, _ := row.(string)
		ref, err := decodeRef(str)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding coin ref: %v", pool.ErrInternal, err)
		}
		refs = append(refs, ref)
	}

	return &pool.Reservation{
		ID:              reservationID,
		CoinRefs:        refs,
		TotalBalance:    totalBalance,
		RequestedBudget: requestedBudget,
		ExpiresAt:       expiresAt,
		State:           pool.ReservationState(state),
	}, nil
}

func (s *redisStore) AddNewCoins(ctx context.Context, refs []pool.CoinRef) error {
	if len(refs) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(refs))
	for _, r := range refs {
		vals = append(vals, encodeRef(r))
	}
	return s.client.RPush(s.poolKey(), vals...).Err()
}

func (s *redisStore) ReadyForExecution(ctx context.Context, reservationID uint64) ([]pool.CoinRef, error) {
	res, err := s.scriptReady.Run(s.client, []string{s.reservationKey(reservationID)}, time.Now().Unix()).Result()
	if err != nil {
		switch {
		case isScriptErr(err, "NOTFOUND"):
			return nil, pool.ErrNotFound
		case isScriptErr(err, "EXPIRED"):
			return nil, pool.ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
		}
	}
	rows, _ := res.([]interface{})
	refs := make([]pool.CoinRef, 0, len(rows))
	for _, row := range rows {
		str, _ := row.(string)
		ref, err := decodeRef(str)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding coin ref: %v", pool.ErrInternal, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *redisStore) ReleaseReservation(ctx context.Context, reservationID uint64, updated []pool.CoinRef) error {
	args := []interface{}{reservationID}
	for _, r := range updated {
		args = append(args, encodeRef(r))
	}
	keys := []string{s.reservationKey(reservationID), s.poolKey(), s.byExpiryKey()}
	return s.scriptRelease.Run(s.client, keys, args...).Err()
}

func (s *redisStore) ExpireReservations(ctx context.Context, now time.Time) ([]uint64, error) {
	res, err := s.scriptExpire.Run(s.client, []string{s.byExpiryKey(), "reservation:", s.poolKey()}, now.Unix()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	rows, _ := res.([]interface{})
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		var id uint64
		switch v := row.(type) {
		case string:
			fmt.Sscanf(v, "%d", &id)
		case int64:
			id = uint64(v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *redisStore) AcquireInitLock(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := s.scriptAcquire.Run(s.client, []string{s.initLockKey()}, ttl.Milliseconds(), s.sponsor).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *redisStore) ReleaseInitLock(ctx context.Context) error {
	return s.scriptRelLock.Run(s.client, []string{s.initLockKey()}, s.sponsor).Err()
}

func (s *redisStore) AggrIncrementSum(ctx context.Context, bucketKey string, amount int64, windowTTL time.Duration) (int64, error) {
	res, err := s.scriptIncr.Run(s.client, []string{bucketKey}, amount, int64(windowTTL.Seconds()), int64(math.MaxInt64)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	n, _ := res.(int64)
	return n, nil
}

func (s *redisStore) PeekCounter(ctx context.Context, bucketKey string) (int64, error) {
	v, err := s.client.Get(bucketKey).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	return v, nil
}

func (s *redisStore) GetRaw(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	return v, true, nil
}

func (s *redisStore) PoolSize(ctx context.Context) (int, int, error) {
	available, err := s.client.LLen(s.poolKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	reserved, err := s.client.ZCard(s.byExpiryKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	return int(available), int(reserved), nil
}

func (s *redisStore) PurgeCoin(ctx context.Context, objectID string) error {
	items, err := s.client.LRange(s.poolKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", pool.ErrStoreUnavailable, err)
	}
	for _, item := range items {
		ref, err := decodeRef(item)
		if err == nil && ref.ObjectID == objectID {
			return s.client.LRem(s.poolKey(), 1, item).Err()
		}
	}
	return pool.ErrNotFound
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func isScriptErr(err error, kind string) bool {
	return err != nil && (contains(err.Error(), kind))
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
