// Package region implements the memory region table: registration of
// virtual-address ranges and the bounds- and rights-checked translation
// that makes them safe targets for remote-initiated access.
//
// Registration keys embed the region's table slot in their upper bits
// over a per-registration random secret, so a stale key presented
// against a reused slot never resolves. Translation fails closed: an
// unknown key, an arithmetic overflow, a span outside the registered
// range, or missing rights all return an access violation and leave
// the memory untouched.
package region

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/piwi3910/softrdma/pkg/verbs"
)

// DefaultCapacity is the default number of region slots per table.
const DefaultCapacity = 1024

// Region is one registered virtual-address range and its backing
// memory. Access from outside the package goes through Table.
type Region struct {
	base   uint64
	buf    []byte
	rights verbs.AccessFlags
	lkey   uint32
	rkey   uint32

	// refs counts in-flight remote references; deregistration is
	// refused until they quiesce.
	refs atomic.Int32

	// atomicMu serializes read-modify-write operations so atomics stay
	// indivisible under concurrent access to the same region.
	atomicMu sync.Mutex
}

// Base returns the region's virtual base address.
func (r *Region) Base() uint64 { return r.base }

// Len returns the registered length in bytes.
func (r *Region) Len() int { return len(r.buf) }

// LKey returns the local registration key.
func (r *Region) LKey() uint32 { return r.lkey }

// RKey returns the remote registration key.
func (r *Region) RKey() uint32 { return r.rkey }

// Rights returns the granted access rights.
func (r *Region) Rights() verbs.AccessFlags { return r.rights }

// Span is a translated, rights-checked view into a region's backing
// memory. The caller must Release it once the operation completes so
// the region can deregister.
type Span struct {
	// Buf aliases the region's backing memory for exactly the
	// requested range.
	Buf []byte

	region *Region
}

// Release drops the in-flight reference acquired by Translate.
func (s Span) Release() {
	if s.region != nil {
		s.region.refs.Add(-1)
	}
}

// Table is the per-device memory region table. Lookups are read-mostly
// and take a shared lock; register and deregister are rare mutations
// under the exclusive lock.
type Table struct {
	mu    sync.RWMutex
	slots []*Region
	free  []int

	// Key layout for this table's capacity.
	idxShift  uint
	secretMax uint32

	closed bool
}

// NewTable creates a region table with the given slot capacity.
// Capacity is rounded up to a power of two; zero selects the default.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if capacity&(capacity-1) != 0 {
		capacity = 1 << bits.Len(uint(capacity))
	}

	idxBits := uint(bits.Len(uint(capacity - 1)))

	t := &Table{
		slots:     make([]*Region, capacity),
		free:      make([]int, 0, capacity),
		idxShift:  32 - idxBits,
		secretMax: 1<<(32-idxBits) - 1,
	}

	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}

	return t
}

// Register records a virtual-address range backed by buf and returns
// the region carrying its key pair. The range [base, base+len(buf))
// must not overflow the address space.
func (t *Table) Register(base uint64, buf []byte, rights verbs.AccessFlags) (*Region, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty range", verbs.ErrRegistrationFailed)
	}

	if base+uint64(len(buf)) < base {
		return nil, fmt.Errorf("%w: range wraps address space", verbs.ErrRegistrationFailed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, verbs.ErrDeviceUnavailable
	}

	if len(t.free) == 0 {
		return nil, fmt.Errorf("%w: region table full", verbs.ErrTableExhausted)
	}

	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	r := &Region{
		base:   base,
		buf:    buf,
		rights: rights,
		lkey:   t.makeKey(idx),
		rkey:   t.makeKey(idx),
	}
	t.slots[idx] = r

	return r, nil
}

// makeKey builds a key for slot idx with a fresh random secret.
func (t *Table) makeKey(idx int) uint32 {
	var b [4]byte

	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(b[:])

	secret := binary.BigEndian.Uint32(b[:]) & t.secretMax

	return uint32(idx)<<t.idxShift | secret
}

// Deregister removes the region identified by either of its keys.
// Regions with in-flight remote references return ResourceBusy and
// remain registered.
func (t *Table) Deregister(key uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, r := t.lookupLocked(key)
	if r == nil {
		return fmt.Errorf("%w: key 0x%08X", verbs.ErrUnknownKey, key)
	}

	if r.refs.Load() > 0 {
		return fmt.Errorf("%w: %d in-flight references", verbs.ErrResourceBusy, r.refs.Load())
	}

	t.slots[idx] = nil
	t.free = append(t.free, idx)

	return nil
}

// lookupLocked resolves a key to its live region, or nil when the slot
// is empty or the secret does not match.
func (t *Table) lookupLocked(key uint32) (int, *Region) {
	idx := int(key >> t.idxShift)
	if idx >= len(t.slots) {
		return 0, nil
	}

	r := t.slots[idx]
	if r == nil || (r.lkey != key && r.rkey != key) {
		return 0, nil
	}

	return idx, r
}

// Translate resolves (key, addr, length) to a span of backing memory,
// enforcing that the registered range fully contains the request and
// that the granted rights cover the requested access. On success the
// region carries one more in-flight reference until Span.Release.
func (t *Table) Translate(key uint32, addr uint64, length uint32, access verbs.AccessFlags) (Span, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, r := t.lookupLocked(key)
	if r == nil {
		return Span{}, fmt.Errorf("%w: unknown key 0x%08X", verbs.ErrAccessViolation, key)
	}

	if !r.rights.Contains(access) {
		return Span{}, fmt.Errorf("%w: rights %s lack %s", verbs.ErrAccessViolation, r.rights, access)
	}

	end := addr + uint64(length)
	if end < addr {
		return Span{}, fmt.Errorf("%w: address range wraps", verbs.ErrAccessViolation)
	}

	if addr < r.base || end > r.base+uint64(len(r.buf)) {
		return Span{}, fmt.Errorf("%w: [0x%X,0x%X) outside region [0x%X,0x%X)",
			verbs.ErrAccessViolation, addr, end, r.base, r.base+uint64(len(r.buf)))
	}

	r.refs.Add(1)

	off := addr - r.base

	return Span{
		Buf:    r.buf[off : off+uint64(length)],
		region: r,
	}, nil
}

// AtomicCompSwap performs an indivisible compare-and-swap on the eight
// bytes at addr, returning the original value. The swap is applied
// only when the original equals compare.
func (t *Table) AtomicCompSwap(key uint32, addr uint64, compare, swap uint64) (uint64, error) {
	return t.atomicOp(key, addr, func(orig uint64) (uint64, bool) {
		return swap, orig == compare
	})
}

// AtomicFetchAdd performs an indivisible fetch-and-add on the eight
// bytes at addr, returning the original value.
func (t *Table) AtomicFetchAdd(key uint32, addr uint64, add uint64) (uint64, error) {
	return t.atomicOp(key, addr, func(orig uint64) (uint64, bool) {
		return orig + add, true
	})
}

// atomicOp resolves addr for atomic access and applies fn under the
// region's atomic lock. fn returns the new value and whether to store
// it; the original value is always returned to the caller.
func (t *Table) atomicOp(key uint32, addr uint64, fn func(orig uint64) (uint64, bool)) (uint64, error) {
	if addr%8 != 0 {
		return 0, fmt.Errorf("%w: atomic target 0x%X not 8-byte aligned", verbs.ErrAccessViolation, addr)
	}

	span, err := t.Translate(key, addr, 8, verbs.AccessRemoteAtomic)
	if err != nil {
		return 0, err
	}
	defer span.Release()

	span.region.atomicMu.Lock()
	defer span.region.atomicMu.Unlock()

	orig := binary.BigEndian.Uint64(span.Buf)
	if next, store := fn(orig); store {
		binary.BigEndian.PutUint64(span.Buf, next)
	}

	return orig, nil
}

// Count returns the number of live regions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.slots) - len(t.free)
}

// Close marks the table closed; further registrations fail. Existing
// regions stay resolvable so in-flight operations can finish.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
