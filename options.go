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

package refmap

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key K) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be deterministic for the lifetime of the map.
func WithHash[K comparable, V any](hash func(key K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

type invalidKeyOption[K comparable, V any] struct {
	key K
}

func (op invalidKeyOption[K, V]) apply(m *Map[K, V]) {
	m.invalid = op.key
}

// WithInvalidKey specifies the key value used to mark an empty slot. The
// invalid key can never be stored in the map. The default is the zero value
// of K, which is appropriate for pointer and handle keys but not for keys
// where zero is a legitimate value.
func WithInvalidKey[K comparable, V any](key K) option[K, V] {
	return invalidKeyOption[K, V]{key}
}

type minCapacityOption[K comparable, V any] struct {
	n int
}

func (op minCapacityOption[K, V]) apply(m *Map[K, V]) {
	if op.n < 1 {
		m.minCapacity = 1
		return
	}
	m.minCapacity = nextPow2(uintptr(op.n))
}

// WithMinCapacity sets the smallest key capacity the map will allocate. It is
// rounded up to a power of 2. The default is 4.
func WithMinCapacity[K comparable, V any](n int) option[K, V] {
	return minCapacityOption[K, V]{n}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// A Map asks for its key storage in a single allocation which it splits into
// the dense key array and the probe keys, and for its entries in a second
// allocation. If the allocator is manually managing memory then Map.Close
// must be called in order to ensure FreeKeys and FreeEntries are called.
type Allocator[K comparable, V any] interface {
	// AllocKeys should return a slice equivalent to make([]K, n), or nil if
	// the memory cannot be provided.
	AllocKeys(n int) []K

	// AllocEntries should return a slice equivalent to make([]Entry[V], n),
	// or nil if the memory cannot be provided.
	AllocEntries(n int) []Entry[V]

	// FreeKeys can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocKeys.
	FreeKeys(v []K)

	// FreeEntries can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEntries.
	FreeEntries(v []Entry[V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocKeys(n int) []K {
	return make([]K, n)
}

func (defaultAllocator[K, V]) AllocEntries(n int) []Entry[V] {
	return make([]Entry[V], n)
}

func (defaultAllocator[K, V]) FreeKeys(v []K) {
}

func (defaultAllocator[K, V]) FreeEntries(v []Entry[V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
