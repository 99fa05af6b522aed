// Package cluster implements the fixed 16384-slot manager and online
// migration state machine (§4.9): slot_of(key) = CRC16(key) mod 16384,
// with the Redis-compatible {tag} hashtag rule, an epoch-versioned slot
// map published behind a reader-writer lock so readers never block on
// a migration-state update, and a rebalancer that proposes migrations
// from per-shard load telemetry.
//
// Grounded on the cluster/shard vocabulary of johnjansen-torua (slot
// ownership, migration state, epoch) layered onto the lock-and-counter
// discipline pkg/slotcache already uses for its own generation counter.
package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

// NumSlots is the fixed cluster hash slot count (§4.9).
const NumSlots = 16384

// MigrationState is a slot's position in the online-migration state
// machine (§4.9).
type MigrationState int

const (
	// Stable: the slot belongs to Owner only, no migration in flight.
	Stable MigrationState = iota
	// Preparing: a migration has been proposed but not yet started;
	// reads and writes still go only to Owner.
	Preparing
	// Migrating: writes are forwarded to both Owner and Target; reads
	// are served from Owner.
	Migrating
	// Committed: Target now owns the slot's data; reads and writes go
	// to Target only. A subsequent call to [Map.Finish] flips Owner to
	// Target and resets the slot to Stable.
	Committed
)

func (s MigrationState) String() string {
	switch s {
	case Stable:
		return "stable"
	case Preparing:
		return "preparing"
	case Migrating:
		return "migrating"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Slot is one entry of the fixed 16384-slot array (§3 "Slot map").
type Slot struct {
	Owner  uint32
	Target uint32 // meaningful only when State != Stable
	State  MigrationState
}

var (
	ErrMigrationInProgress = errors.New("cluster: migration already in progress for slot")
	ErrNoMigration         = errors.New("cluster: no migration in progress for slot")
	ErrInvalidSlot         = errors.New("cluster: slot out of range")
	ErrShardUnavailable    = errors.New("cluster: shard unavailable")
)

// InternalError wraps a poisoned-lock or other unexpected internal
// condition, per §4.9's "Poisoned internal locks convert to
// Internal{hint}".
type InternalError struct {
	Hint string
}

func (e *InternalError) Error() string { return fmt.Sprintf("cluster: internal: %s", e.Hint) }

// Map is the cluster's slot ownership table: a fixed 16384-entry array
// plus a monotonic epoch, published behind a single RWMutex. Readers
// take the read lock to resolve a slot's current owner/state; the
// mutex is never held across an I/O operation.
type Map struct {
	mu    sync.RWMutex
	slots [NumSlots]Slot
	epoch uint64
}

// NewMap creates a Map with every slot owned by shard 0 (Stable), epoch
// 0. Callers typically follow this with an initial assignment pass
// distributing slots across shards.
func NewMap() *Map {
	return &Map{}
}

// NewEvenMap distributes the 16384 slots evenly (round-robin, slot i to
// shard i % numShards) across numShards shards, all Stable, epoch 0. This is the typical cluster
// bootstrap layout.
func NewEvenMap(numShards uint32) *Map {
	m := &Map{}
	if numShards == 0 {
		numShards = 1
	}
	for i := range m.slots {
		m.slots[i] = Slot{Owner: uint32(i) % numShards, State: Stable}
	}
	return m
}

// Epoch returns the map's current epoch.
func (m *Map) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Lookup returns a copy of the slot record at index i.
func (m *Map) Lookup(i int) (Slot, error) {
	if i < 0 || i >= NumSlots {
		return Slot{}, ErrInvalidSlot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[i], nil
}

// SlotOf computes slot_of(key): CRC16(key) mod 16384, honoring the
// Redis-compatible {tag} hashtag rule — if key contains a non-empty
// {...} substring, the tag's contents are hashed instead of the whole
// key, so multi-key operations on co-located keys land on one slot.
func SlotOf(key []byte) int {
	h := crc16CCITT(hashtagOrKey(key))
	return int(h % NumSlots)
}

func hashtagOrKey(key []byte) []byte {
	start := bytes.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := bytes.IndexByte(key[start+1:], '}')
	if end <= 0 { // no closing brace, or empty {}
		return key
	}
	return key[start+1 : start+1+end]
}

// BeginMigration transitions slot i from Stable to Preparing with the
// given target shard, incrementing the epoch. Fails with
// ErrMigrationInProgress if a migration is already underway for i.
func (m *Map) BeginMigration(i int, target uint32) error {
	if i < 0 || i >= NumSlots {
		return ErrInvalidSlot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[i]
	if s.State != Stable {
		return ErrMigrationInProgress
	}

	m.slots[i] = Slot{Owner: s.Owner, Target: target, State: Preparing}
	m.epoch++
	return nil
}

// StartTransfer transitions slot i from Preparing to Migrating: writes
// now forward to both Owner and Target; reads still go to Owner.
func (m *Map) StartTransfer(i int) error {
	if i < 0 || i >= NumSlots {
		return ErrInvalidSlot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[i]
	if s.State != Preparing {
		return ErrNoMigration
	}

	s.State = Migrating
	m.slots[i] = s
	m.epoch++
	return nil
}

// Commit transitions slot i from Migrating to Committed: Target now
// owns reads and writes for the slot. A separate, later call to
// [Map.Finish] flips Owner = Target and resets the slot to Stable once
// the store façade confirms no in-flight operations still reference the
// old owner.
func (m *Map) Commit(i int) error {
	if i < 0 || i >= NumSlots {
		return ErrInvalidSlot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[i]
	if s.State != Migrating {
		return ErrNoMigration
	}

	s.State = Committed
	m.slots[i] = s
	m.epoch++
	return nil
}

// Finish resets slot i to Stable under its new owner (Target), ending
// the migration sequence started by BeginMigration.
func (m *Map) Finish(i int) error {
	if i < 0 || i >= NumSlots {
		return ErrInvalidSlot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[i]
	if s.State != Committed {
		return ErrNoMigration
	}

	m.slots[i] = Slot{Owner: s.Target, State: Stable}
	m.epoch++
	return nil
}

// Abort cancels an in-progress migration (Preparing or Migrating,
// before Commit) for slot i, reverting it to Stable under the original
// owner. Like the other transitions, it increments the epoch.
func (m *Map) Abort(i int) error {
	if i < 0 || i >= NumSlots {
		return ErrInvalidSlot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[i]
	if s.State == Stable || s.State == Committed {
		return ErrNoMigration
	}

	m.slots[i] = Slot{Owner: s.Owner, State: Stable}
	m.epoch++
	return nil
}

// ReadTarget returns the shard a read for a key in slot i should be
// routed to, per §4.9: migrating slots still read from Owner; only a
// Committed slot reads from Target.
func (s Slot) ReadTarget() uint32 {
	if s.State == Committed {
		return s.Target
	}
	return s.Owner
}

// WriteTargets returns the shard(s) a write for a key in slot i must be
// applied to: just Owner when Stable/Preparing, both Owner and Target
// while Migrating, just Target once Committed.
func (s Slot) WriteTargets() []uint32 {
	switch s.State {
	case Migrating:
		return []uint32{s.Owner, s.Target}
	case Committed:
		return []uint32{s.Target}
	default:
		return []uint32{s.Owner}
	}
}
