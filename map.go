// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refmap is an open-addressing hash map with linear probing,
// backward-shift deletion and a dense array of live keys for iteration.
//
// # Layout
//
// A Map with key capacity N (always a power of 2) owns two allocations. The
// first holds 3N keys and is split into two views: the dense key array
// keys[0:N] and the probe keys slotKeys[0:2N]. The second holds 2N entries
// parallel to slotKeys. The probe region is therefore never more than half
// full, which keeps probe sequences short and guarantees that every probe
// terminates at an empty slot.
//
//	buf:     | k0 k1 k2 -- | -- k2 -- -- k0 -- k1 -- |
//	           dense keys    slotKeys
//	entries:               | -- v2 -- -- v0 -- v1 -- |
//	                              i=2      i=0   i=1
//
// Each entry holds the value and the index of its key in the dense array.
// Every dense key has exactly one slot whose key equals it and whose entry
// points back at it. An empty slot holds the map's invalid key, which is the
// zero value of K unless WithInvalidKey says otherwise.
//
// # Probing
//
// A key's ideal slot is hash(key) & (2N-1). Probing scans forward from the
// ideal slot, wrapping at the end of the probe region, and stops at the first
// slot that holds either the key or the invalid key. The same scan is used by
// lookup, insertion and deletion.
//
// # Deletion
//
// Linear probing requires that no empty slot appears between a key's ideal
// slot and the slot that holds it. Deleting a key would open such a hole, so
// after clearing the slot Delete walks the run of occupied slots that follows
// it. A visited key is moved back into the hole when the hole lies in the
// modular interval [ideal, visited) of that key; the visited slot then
// becomes the hole. The walk stops at the first empty slot. No tombstones are
// ever written.
//
//	| - - a - c d e f - x y z - - - - - |
//	      h i     j   X
//
// Above, the key at j hashes to h and the hole is at i. Since i lies in
// [h, j) the key moves to i. A key whose ideal slot lies in (i, j] stays.
//
// The dense array is compacted on delete by moving its last key into the
// removed key's position, so iteration order is insertion order perturbed
// by deletions.
package refmap

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	debug = false

	// loadFactor is the number of probe slots per key of capacity.
	loadFactor = 2
	// defaultMinCapacity is the smallest key capacity a map allocates.
	defaultMinCapacity = 4
)

// Result is the outcome of Insert, Update and Set.
type Result int8

const (
	// Failed indicates that nothing was written because the key is the
	// map's invalid key or because growing the map failed.
	Failed Result = iota - 1
	// Inserted indicates that the key was absent and has been added.
	Inserted
	// Present indicates that the key was already in the map. Update and Set
	// overwrite its value; Insert leaves it untouched.
	Present
	// Absent indicates that Update found no entry for the key and did not
	// add one.
	Absent
)

func (r Result) String() string {
	switch r {
	case Failed:
		return "failed"
	case Inserted:
		return "inserted"
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return fmt.Sprintf("Result(%d)", int8(r))
	}
}

// Entry is the per-slot payload stored alongside a probe key.
type Entry[V any] struct {
	value V
	// index is the position of the slot's key in the dense key array.
	index int
}

type putMode uint8

const (
	putInsert putMode = iota
	putUpdate
	putSet
)

// Map is an unordered map from keys to values with Get, Insert, Update, Set,
// Delete, and All operations. By default, integer and pointer keys are hashed
// with a multiplicative mixer and other keys with hash/maphash, though a
// different hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash func(key K) uint64
	// The allocator to use for the key and entry slices.
	allocator Allocator[K, V]
	// invalid marks an empty probe slot and an unused dense position.
	invalid     K
	minCapacity uintptr
	// buf is the single key allocation backing both keys and slotKeys.
	buf []K
	// keys is the dense array of live keys; keys[:keysN] are valid.
	keys []K
	// slotKeys and entries are the probe region, 2*keysMax slots each.
	slotKeys []K
	entries  []Entry[V]
	// keysMax is the key capacity, always 0 or a power of 2.
	keysMax uintptr
	// The number of keys in the map.
	keysN int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:        defaultHasher[K](),
		allocator:   defaultAllocator[K, V]{},
		minCapacity: defaultMinCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		// An allocator failure leaves the map empty; it will try again on
		// the first insert.
		m.Resize(initialCapacity)
	}

	m.checkInvariants()
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.keysMax > 0 {
		m.allocator.FreeKeys(m.buf)
		m.allocator.FreeEntries(m.entries)
	}
	m.buf, m.keys, m.slotKeys, m.entries = nil, nil, nil, nil
	m.keysMax = 0
	m.keysN = 0
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if p := m.Ptr(key); p != nil {
		return *p, true
	}
	return value, false
}

// Has returns true if the map contains key.
func (m *Map[K, V]) Has(key K) bool {
	return m.Ptr(key) != nil
}

// Ptr returns a pointer to the value stored for key, or nil if the key is not
// present. The pointer may be used to mutate the value in place. It is
// invalidated by any call that inserts, deletes, resizes or clears.
func (m *Map[K, V]) Ptr(key K) *V {
	if m.keysN == 0 || key == m.invalid {
		return nil
	}
	i := m.probe(key)
	if m.slotKeys[i] != key {
		return nil
	}
	return &m.entries[i].value
}

// Insert adds key with value if key is not already present. An existing
// entry is left untouched and Present is returned.
func (m *Map[K, V]) Insert(key K, value V) Result {
	return m.put(key, value, putInsert)
}

// Update overwrites the value of an existing key. If the key is not present
// nothing is added and Absent is returned.
func (m *Map[K, V]) Update(key K, value V) Result {
	return m.put(key, value, putUpdate)
}

// Set inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Set(key K, value V) Result {
	return m.put(key, value, putSet)
}

func (m *Map[K, V]) put(key K, value V, mode putMode) Result {
	if key == m.invalid {
		return Failed
	}

	if m.keysN > 0 {
		i := m.probe(key)
		if m.slotKeys[i] == key {
			if mode != putInsert {
				m.entries[i].value = value
			}
			if debug {
				fmt.Printf("put(%v): present at %d mode=%d\n", key, i, mode)
			}
			return Present
		}
	}
	if mode == putUpdate {
		return Absent
	}

	if uintptr(m.keysN+1) > m.keysMax {
		// Growing moves every key, so the probe must be repeated below.
		if !m.Resize(int(2 * m.keysMax)) {
			return Failed
		}
	}

	i := m.probe(key)
	if m.slotKeys[i] != m.invalid {
		panic(fmt.Sprintf("put(%v): slot %d holds %v, expected it to be empty\n%s",
			key, i, m.slotKeys[i], m.debugString()))
	}
	m.slotKeys[i] = key
	m.entries[i] = Entry[V]{value: value, index: m.keysN}
	m.keys[m.keysN] = key
	m.keysN++
	if debug {
		fmt.Printf("put(%v): inserted at %d len=%d cap=%d\n", key, i, m.keysN, m.keysMax)
	}
	m.checkInvariants()
	return Inserted
}

// Delete deletes the entry corresponding to the specified key from the map
// and returns its value. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	if m.keysN == 0 || key == m.invalid {
		return value, false
	}
	hole := m.probe(key)
	if m.slotKeys[hole] != key {
		return value, false
	}
	removed := m.entries[hole]

	// Compact the dense array by moving its last key into the removed
	// key's position. The moved key's slot must be found before the hole is
	// cleared, as its probe sequence may run through the hole.
	last := m.keysN - 1
	if removed.index != last {
		moved := m.keys[last]
		m.keys[removed.index] = moved
		m.entries[m.probe(moved)].index = removed.index
	}
	m.keys[last] = m.invalid
	m.keysN--

	m.slotKeys[hole] = m.invalid
	m.entries[hole] = Entry[V]{}
	if debug {
		fmt.Printf("delete(%v): hole=%d len=%d\n", key, hole, m.keysN)
	}

	// Shift back the keys in the run following the hole that would no longer
	// be reachable from their ideal slot.
	mask := m.slotMask()
	for check := (hole + 1) & mask; m.slotKeys[check] != m.invalid; check = (check + 1) & mask {
		ideal := m.idealSlot(m.slotKeys[check])
		// The hole lies in [ideal, check) iff it is closer to ideal than
		// check is, measuring forward with wraparound.
		if (hole-ideal)&mask < (check-ideal)&mask {
			if debug {
				fmt.Printf("delete(%v): shift %v %d -> %d (ideal %d)\n",
					key, m.slotKeys[check], check, hole, ideal)
			}
			m.slotKeys[hole] = m.slotKeys[check]
			m.entries[hole] = m.entries[check]
			m.slotKeys[check] = m.invalid
			m.entries[check] = Entry[V]{}
			hole = check
		}
	}

	m.checkInvariants()
	return removed.value, true
}

// Resize sets the key capacity of the map to the smallest power of 2 that is
// at least capacity, the number of keys in the map, and the configured
// minimum capacity. Every key is rehashed into a freshly allocated probe
// region. Resize returns true if the map now has the requested capacity, and
// false if the allocator failed, in which case the map is unmodified.
func (m *Map[K, V]) Resize(capacity int) bool {
	n := uintptr(max(capacity, m.keysN, 0))
	if n < m.minCapacity {
		n = m.minCapacity
	}
	newMax := nextPow2(n)
	if newMax == m.keysMax {
		return true
	}

	buf := m.allocator.AllocKeys(int(3 * newMax))
	if buf == nil {
		if debug {
			fmt.Printf("resize: capacity=%d->%d: key allocation failed\n", m.keysMax, newMax)
		}
		return false
	}
	entries := m.allocator.AllocEntries(int(loadFactor * newMax))
	if entries == nil {
		m.allocator.FreeKeys(buf)
		if debug {
			fmt.Printf("resize: capacity=%d->%d: entry allocation failed\n", m.keysMax, newMax)
		}
		return false
	}
	for i := range buf {
		buf[i] = m.invalid
	}

	old := *m
	m.buf = buf
	m.keys = buf[:newMax:newMax]
	m.slotKeys = buf[newMax:]
	m.entries = entries
	m.keysMax = newMax

	if debug {
		fmt.Printf("resize: capacity=%d->%d len=%d\n", old.keysMax, newMax, m.keysN)
	}

	for i := 0; i < m.keysN; i++ {
		key := old.keys[i]
		m.keys[i] = key
		j := m.probe(key)
		m.slotKeys[j] = key
		m.entries[j] = Entry[V]{value: old.entries[old.probe(key)].value, index: i}
	}

	if old.keysMax > 0 {
		m.allocator.FreeKeys(old.buf)
		m.allocator.FreeEntries(old.entries)
	}

	m.checkInvariants()
	return true
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is retained. Clear returns the number of entries removed.
func (m *Map[K, V]) Clear() int {
	n := m.keysN
	for i := 0; i < n; i++ {
		m.keys[i] = m.invalid
	}
	for i := range m.slotKeys {
		m.slotKeys[i] = m.invalid
	}
	clear(m.entries)
	m.keysN = 0
	m.checkInvariants()
	return n
}

// All calls yield sequentially for each key and value present in the map, in
// dense array order. If yield returns false, iteration stops. The map must
// not be mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := 0; i < m.keysN; i++ {
		key := m.keys[i]
		if !yield(key, m.entries[m.probe(key)].value) {
			return
		}
	}
}

// Keys returns the dense array of keys in the map. The returned slice aliases
// the map's storage: it is updated in place by Delete and invalidated by any
// call that inserts, resizes or clears.
func (m *Map[K, V]) Keys() []K {
	return m.keys[:m.keysN:m.keysN]
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.keysN
}

// Cap returns the number of keys the map can hold before it must grow.
func (m *Map[K, V]) Cap() int {
	return int(m.keysMax)
}

func (m *Map[K, V]) slotMask() uintptr {
	return loadFactor*m.keysMax - 1
}

func (m *Map[K, V]) hashKey(key K) uint64 {
	if invariants && key == m.invalid {
		panic(fmt.Sprintf("hash: invalid key %v", key))
	}
	return m.hash(key)
}

func (m *Map[K, V]) idealSlot(key K) uintptr {
	return uintptr(m.hashKey(key)) & m.slotMask()
}

// probe returns the slot holding key, or the empty slot where key would be
// inserted. It must not be called on a map without storage.
func (m *Map[K, V]) probe(key K) uintptr {
	mask := m.slotMask()
	i := m.idealSlot(key)
	for n := uintptr(0); n <= mask; n++ {
		k := m.slotKeys[i]
		if k == key || k == m.invalid {
			return i
		}
		i = (i + 1) & mask
	}
	panic(fmt.Sprintf("probe(%v): no empty slot in %d slots\n%s", key, mask+1, m.debugString()))
}

// checkInvariants panics if verify finds the map inconsistent. It is a noop
// unless built with the invariants tag.
func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, m.debugString()))
		}
	}
}

// verify exhaustively checks the structure of the map: the capacity is a
// power of 2 with twice as many slots, every dense key is held by exactly one
// slot that points back at it, and every stored key is reachable by probing
// from its ideal slot without crossing an empty slot.
func (m *Map[K, V]) verify() error {
	if m.keysMax&(m.keysMax-1) != 0 {
		return fmt.Errorf("capacity %d is not a power of 2", m.keysMax)
	}
	if uintptr(len(m.slotKeys)) != loadFactor*m.keysMax || len(m.entries) != len(m.slotKeys) {
		return fmt.Errorf("capacity %d has %d slot keys and %d entries",
			m.keysMax, len(m.slotKeys), len(m.entries))
	}
	if uintptr(m.keysN) > m.keysMax {
		return fmt.Errorf("%d keys exceed capacity %d", m.keysN, m.keysMax)
	}
	if m.keysMax == 0 {
		return nil
	}

	var used int
	mask := m.slotMask()
	for s := range m.slotKeys {
		key := m.slotKeys[s]
		if key == m.invalid {
			continue
		}
		used++
		for i := m.idealSlot(key); i != uintptr(s); i = (i + 1) & mask {
			if m.slotKeys[i] == m.invalid {
				return fmt.Errorf("slot %d: %v is unreachable, slot %d is empty", s, key, i)
			}
		}
		idx := m.entries[s].index
		if idx < 0 || idx >= m.keysN || m.keys[idx] != key {
			return fmt.Errorf("slot %d: %v points at dense index %d", s, key, idx)
		}
	}
	if used != m.keysN {
		return fmt.Errorf("found %d used slots, but len is %d", used, m.keysN)
	}

	for i := 0; i < m.keysN; i++ {
		key := m.keys[i]
		if key == m.invalid {
			return fmt.Errorf("dense index %d holds the invalid key", i)
		}
		s := m.probe(key)
		if m.slotKeys[s] != key {
			return fmt.Errorf("dense index %d: %v not found", i, key)
		}
		if m.entries[s].index != i {
			return fmt.Errorf("dense index %d: %v slot %d points at %d", i, key, s, m.entries[s].index)
		}
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  len=%d\n", m.keysMax, m.keysN)
	for i := range m.slotKeys {
		key := m.slotKeys[i]
		if key == m.invalid {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: %v [ideal=%d index=%d]\n",
			i, key, uintptr(m.hash(key))&m.slotMask(), m.entries[i].index)
	}
	return buf.String()
}

// nextPow2 returns the smallest power of 2 that is >= n, for n >= 1.
func nextPow2(n uintptr) uintptr {
	return uintptr(1) << bits.Len(uint(n-1))
}
