package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/iotaledger/gas-station/internal/pool"
)

// MemoryStore is a single-process Store used only in tests, so reservation
// engine, sweeper, and coordinator logic can be exercised without a live
// Redis. It preserves every invariant the Lua scripts enforce (atomicity
// via one mutex, restore-on-shortfall, cap enforcement, overflow clamp).
type MemoryStore struct {
	mu sync.Mutex

	available    []pool.CoinRef
	reservations map[uint64]*memReservation
	nextID       uint64
	initLockHeld bool
	initLockExp  time.Time
	counters     map[string]counterEntry
	raw          map[string]string
}

type memReservation struct {
	coins           []pool.CoinRef
	total           uint64
	requestedBudget uint64
	expiresAt       int64
	state           pool.ReservationState
}

type counterEntry struct {
	value  int64
	expiry time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[uint64]*memReservation),
		counters:     make(map[string]counterEntry),
		raw:          make(map[string]string),
	}
}

// SetRaw is a test helper mirroring a keyed-store-backed rego source.
func (s *MemoryStore) SetRaw(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[key] = value
}

func (s *MemoryStore) GetRaw(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.raw[key]
	return v, ok, nil
}

// SeedPool is a test helper to populate the available pool directly.
func (s *MemoryStore) SeedPool(refs ...pool.CoinRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, refs...)
}

const memMaxCoinsPerReservation = maxCoinsPerReservation

func (s *MemoryStore) ReserveGasCoins(ctx context.Context, budget uint64, duration time.Duration) (*pool.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var popped []pool.CoinRef
	var sum uint64
	for sum < budget {
		if len(s.available) == 0 {
			s.available = append(popped, s.available...)
			return nil, pool.ErrInsufficient
		}
		coin := s.available[0]
		s.available = s.available[1:]
		popped = append(popped, coin)
		sum += coin.Balance
		if sum < budget && len(popped) >= memMaxCoinsPerReservation {
			s.available = append(popped, s.available...)
			return nil, pool.ErrCap
		}
	}

	s.nextID++
	id := s.nextID
	expiresAt := time.Now().Add(duration).Unix()
	s.reservations[id] = &memReservation{
		coins:           popped,
		total:           sum,
		requestedBudget: budget,
		expiresAt:       expiresAt,
		state:           pool.StateLive,
	}
	return &pool.Reservation{
		ID:              id,
		CoinRefs:        append([]pool.CoinRef{}, popped...),
		TotalBalance:    sum,
		RequestedBudget: budget,
		ExpiresAt:       expiresAt,
		State:           pool.StateLive,
	}, nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, reservationID uint64) (*pool.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, pool.ErrNotFound
	}
	if r.expiresAt <= time.Now().Unix() {
		return nil, pool.ErrExpired
	}
	return &pool.Reservation{
		ID:              reservationID,
		CoinRefs:        append([]pool.CoinRef{}, r.coins...),
		TotalBalance:    r.total,
		RequestedBudget: r.requestedBudget,
		ExpiresAt:       r.expiresAt,
		State:           r.state,
	}, nil
}

func (s *MemoryStore) AddNewCoins(ctx context.Context, refs []pool.CoinRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, refs...)
	return nil
}

func (s *MemoryStore) ReadyForExecution(ctx context.Context, reservationID uint64) ([]pool.CoinRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, pool.ErrNotFound
	}
	if r.expiresAt <= time.Now().Unix() {
		return nil, pool.ErrExpired
	}
	if r.state == pool.StateLive {
		r.state = pool.StateExecuting
	}
	return append([]pool.CoinRef{}, r.coins...), nil
}

func (s *MemoryStore) ReleaseReservation(ctx context.Context, reservationID uint64, updated []pool.CoinRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, reservationID)
	s.available = append(s.available, updated...)
	return nil
}

func (s *MemoryStore) ExpireReservations(ctx context.Context, now time.Time) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []uint64
	for id, r := range s.reservations {
		if r.expiresAt <= now.Unix() {
			s.available = append(s.available, r.coins...)
			delete(s.reservations, id)
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) AcquireInitLock(ctx context.Context, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initLockHeld && time.Now().Before(s.initLockExp) {
		return false, nil
	}
	s.initLockHeld = true
	s.initLockExp = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseInitLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLockHeld = false
	return nil
}

func (s *MemoryStore) AggrIncrementSum(ctx context.Context, bucketKey string, amount int64, windowTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[bucketKey]
	if !ok || time.Now().After(entry.expiry) {
		entry = counterEntry{value: 0, expiry: time.Now().Add(windowTTL)}
	}
	newVal := entry.value + amount
	if amount > 0 && entry.value > math.MaxInt64-amount {
		newVal = math.MaxInt64
	}
	if newVal < entry.value {
		// overflowed past MaxInt64 in the addition itself
		newVal = math.MaxInt64
	}
	entry.value = newVal
	s.counters[bucketKey] = entry
	return newVal, nil
}

func (s *MemoryStore) PeekCounter(ctx context.Context, bucketKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[bucketKey]
	if !ok || time.Now().After(entry.expiry) {
		return 0, nil
	}
	return entry.value, nil
}

func (s *MemoryStore) PoolSize(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available), len(s.reservations), nil
}

func (s *MemoryStore) PurgeCoin(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.available {
		if c.ObjectID == objectID {
			s.available = append(s.available[:i], s.available[i+1:]...)
			return nil
		}
	}
	return pool.ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }
