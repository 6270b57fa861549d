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

package referee

import (
	"fmt"
	"math"
	"math/bits"
)

// Allocator provides the memory for blocks tracked by a Referee.
type Allocator interface {
	// Realloc returns a block of count*size bytes. If block is nil a new
	// block is allocated. Otherwise the contents of block, up to the smaller
	// of the two lengths, are preserved in the returned block, which may or
	// may not start at the same address; when it does not, block is released.
	// On failure block is left untouched and an error wrapping ErrAllocFailed
	// or ErrSizeOverflow is returned.
	Realloc(block []byte, count, size uint) ([]byte, error)

	// Free releases a block returned by Realloc. Blocks the allocator did not
	// provide are ignored.
	Free(block []byte)
}

// HeapAllocator allocates blocks on the Go heap and leaves reclamation to
// the GC. Every block it returns has a capacity of at least one byte so that
// distinct blocks have distinct addresses.
type HeapAllocator struct{}

var _ Allocator = HeapAllocator{}

// Realloc implements Allocator. A block whose capacity already fits the new
// size is resliced in place.
func (HeapAllocator) Realloc(block []byte, count, size uint) ([]byte, error) {
	n, err := blockSize(count, size)
	if err != nil {
		return nil, err
	}
	if cap(block) > 0 && cap(block) >= n {
		return block[:n], nil
	}
	b := make([]byte, n, max(n, 1))
	copy(b, block)
	return b, nil
}

// Free implements Allocator.
func (HeapAllocator) Free(block []byte) {
}

// blockSize returns count*size as an int.
func blockSize(count, size uint) (int, error) {
	hi, lo := bits.Mul(count, size)
	if hi != 0 || lo > math.MaxInt {
		return 0, fmt.Errorf("%w: %d elements of %d bytes", ErrSizeOverflow, count, size)
	}
	return int(lo), nil
}
