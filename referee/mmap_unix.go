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

//go:build unix

package referee

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/refmap"
	"golang.org/x/sys/unix"
)

// MmapAllocator allocates every block as its own anonymous private mapping,
// outside the Go heap. Blocks must be released with Free (directly, or through
// Referee.Free, Purge or Close); the GC never reclaims them.
//
// An MmapAllocator is NOT goroutine-safe.
type MmapAllocator struct {
	// mappings maps the address of each live mapping to the slice returned
	// by unix.Mmap, which is needed to unmap it.
	mappings *refmap.Map[uintptr, []byte]
	pageSize int
}

var _ Allocator = (*MmapAllocator)(nil)

// NewMmapAllocator returns an allocator backed by anonymous mappings.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		mappings: refmap.New[uintptr, []byte](0),
		pageSize: unix.Getpagesize(),
	}
}

// Realloc implements Allocator. Sizes are rounded up to whole pages; a block
// whose mapping already fits the new size is resliced in place.
func (a *MmapAllocator) Realloc(block []byte, count, size uint) ([]byte, error) {
	n, err := blockSize(count, size)
	if err != nil {
		return nil, err
	}
	if m, ok := a.mapping(block); ok && n <= len(m) {
		return m[:n], nil
	}

	length := (max(n, 1) + a.pageSize - 1) &^ (a.pageSize - 1)
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrAllocFailed, length, err)
	}
	if a.mappings.Set(addressOf(data), data) == refmap.Failed {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%w: recording mapping of %d bytes", ErrAllocFailed, length)
	}
	copy(data, block)
	a.Free(block)
	return data[:n], nil
}

// Free implements Allocator. It unmaps block if block starts a mapping made
// by this allocator.
func (a *MmapAllocator) Free(block []byte) {
	m, ok := a.mapping(block)
	if !ok {
		return
	}
	a.mappings.Delete(addressOf(m))
	// Munmap only fails for a range that is not mapped, which the mapping
	// table rules out.
	_ = unix.Munmap(m)
}

// Len returns the number of live mappings.
func (a *MmapAllocator) Len() int {
	return a.mappings.Len()
}

// Close unmaps every live mapping. Blocks still tracked by a Referee become
// invalid.
func (a *MmapAllocator) Close() {
	keys := a.mappings.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if m, ok := a.mappings.Delete(keys[i]); ok {
			_ = unix.Munmap(m)
		}
	}
	a.mappings.Close()
}

func (a *MmapAllocator) mapping(block []byte) ([]byte, bool) {
	if cap(block) == 0 {
		return nil, false
	}
	return a.mappings.Get(addressOf(block))
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
