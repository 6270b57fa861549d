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

// Package referee tracks reference counts for memory blocks.
//
// A Referee maps the address of each tracked block to its reference count,
// element count and element size. Blocks come from a pluggable Allocator
// (Alloc, Realloc, Dup) or are handed over by the caller (Add). Reference
// counts are adjusted with Inc and Dec; a count of zero only marks a block as
// reclaimable. Memory is released in batches by Purge, which frees every
// block whose count is zero, or explicitly by Free.
//
//	r := referee.New()
//	buf, _ := r.Alloc(4, 16, 1) // 64 bytes, one reference
//	r.Inc(buf)
//	r.Dec(buf)
//	r.Dec(buf)
//	r.Purge() // frees buf
//
// Blocks are identified by the address of their first byte, so any slice
// that starts at the same byte refers to the same block.
package referee

import (
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/refmap"
)

// Handle identifies a block by the address of its first byte. The zero
// Handle identifies no block.
type Handle uintptr

// HandleOf returns the handle of block, or 0 if block has no backing storage.
func HandleOf(block []byte) Handle {
	if cap(block) == 0 {
		return 0
	}
	return Handle(uintptr(unsafe.Pointer(unsafe.SliceData(block))))
}

func (h Handle) String() string {
	return "0x" + strconv.FormatUint(uint64(h), 16)
}

// RefInfo is the metadata kept for a tracked block.
type RefInfo struct {
	Refcount uint
	// Count is the number of elements in the block.
	Count uint
	// Size is the size of one element in bytes.
	Size uint

	// block keeps the memory reachable while it is tracked.
	block []byte
}

// Block returns the tracked block.
func (i *RefInfo) Block() []byte {
	return i.block
}

// Referee tracks reference counts for memory blocks. The zero value is not
// usable; construct one with New.
//
// A Referee is NOT goroutine-safe.
type Referee struct {
	infos           *refmap.Map[Handle, RefInfo]
	allocator       Allocator
	logger          *slog.Logger
	initialCapacity int
}

// New returns an empty Referee.
func New(options ...option) *Referee {
	r := &Referee{
		allocator: HeapAllocator{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, op := range options {
		op.apply(r)
	}
	r.infos = refmap.New[Handle, RefInfo](r.initialCapacity)
	return r
}

// Alloc allocates a block of count elements of size bytes and tracks it with
// the given reference count. Nothing is tracked if the allocation fails.
func (r *Referee) Alloc(count, size, refs uint) ([]byte, error) {
	block, err := r.allocator.Realloc(nil, count, size)
	if err != nil {
		r.logger.Debug("allocation failed", "count", count, "size", size, "err", err)
		return nil, err
	}
	h := HandleOf(block)
	if h == 0 {
		return nil, fmt.Errorf("%w: allocator returned an empty block", ErrInvalidBlock)
	}
	info := RefInfo{Refcount: refs, Count: count, Size: size, block: block}
	if res := r.infos.Set(h, info); res == refmap.Failed {
		r.allocator.Free(block)
		r.logger.Debug("tracking table full", "handle", h, "tracked", r.infos.Len())
		return nil, fmt.Errorf("%w: tracking %s", ErrAllocFailed, h)
	}
	return block, nil
}

// Add starts tracking a block that was not obtained from Alloc. If the block
// is already tracked its reference count is incremented by refs and its
// metadata is left unchanged.
func (r *Referee) Add(block []byte, count, size, refs uint) ([]byte, error) {
	h := HandleOf(block)
	if h == 0 {
		return nil, ErrInvalidBlock
	}
	info := RefInfo{Refcount: refs, Count: count, Size: size, block: block}
	switch r.infos.Insert(h, info) {
	case refmap.Inserted:
		return block, nil
	case refmap.Present:
		r.IncN(block, refs)
		return block, nil
	default:
		r.logger.Debug("tracking table full", "handle", h, "tracked", r.infos.Len())
		return nil, fmt.Errorf("%w: tracking %s", ErrAllocFailed, h)
	}
}

// Remove stops tracking block without freeing it. It returns false if the
// block was not tracked.
func (r *Referee) Remove(block []byte) bool {
	_, ok := r.infos.Delete(HandleOf(block))
	return ok
}

// Inc increments the reference count of block. It returns false if the block
// is not tracked.
func (r *Referee) Inc(block []byte) bool {
	return r.IncN(block, 1)
}

// IncN adds n to the reference count of block. It returns false if the block
// is not tracked.
func (r *Referee) IncN(block []byte, n uint) bool {
	info := r.Info(block)
	if info == nil {
		return false
	}
	info.Refcount += n
	return true
}

// Dec decrements the reference count of block. A count of zero stays zero.
// It returns false if the block is not tracked.
func (r *Referee) Dec(block []byte) bool {
	return r.DecN(block, 1)
}

// DecN subtracts n from the reference count of block, stopping at zero. The
// block is not freed; see Purge. It returns false if the block is not
// tracked.
func (r *Referee) DecN(block []byte, n uint) bool {
	info := r.Info(block)
	if info == nil {
		return false
	}
	if info.Refcount >= n {
		info.Refcount -= n
	} else {
		info.Refcount = 0
	}
	return true
}

// Realloc resizes block to count elements of size bytes through the
// allocator, which may move it. A tracked block keeps its reference count
// across the move and is tracked under its new address only; an untracked
// block is tracked from now on with refs references.
//
// If the allocator fails the block and its tracking entry are unchanged. If
// the moved block cannot be tracked it is returned untracked together with an
// error wrapping ErrAllocFailed.
func (r *Referee) Realloc(block []byte, count, size, refs uint) ([]byte, error) {
	h := HandleOf(block)
	old := r.infos.Ptr(h)
	if old != nil {
		block = old.block
		refs = old.Refcount
	}

	moved, err := r.allocator.Realloc(block, count, size)
	if err != nil {
		r.logger.Debug("reallocation failed", "handle", h, "count", count, "size", size, "err", err)
		return nil, err
	}
	nh := HandleOf(moved)
	info := RefInfo{Refcount: refs, Count: count, Size: size, block: moved}
	if old != nil && nh == h {
		*old = info
		return moved, nil
	}
	if old != nil {
		r.infos.Delete(h)
		r.logger.Debug("relocated block", "from", h, "to", nh, "refcount", refs)
	}
	if nh == 0 {
		return nil, fmt.Errorf("%w: allocator returned an empty block", ErrInvalidBlock)
	}
	if r.infos.Set(nh, info) == refmap.Failed {
		r.logger.Debug("tracking table full", "handle", nh, "tracked", r.infos.Len())
		return moved, fmt.Errorf("%w: tracking %s", ErrAllocFailed, nh)
	}
	return moved, nil
}

// Dup allocates a copy of a tracked block with the same element count and
// size, and tracks it with its own reference count.
func (r *Referee) Dup(block []byte, refs uint) ([]byte, error) {
	info := r.Info(block)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUntracked, HandleOf(block))
	}
	// Alloc may grow the table, which invalidates info.
	src := *info
	dup, err := r.Alloc(src.Count, src.Size, refs)
	if err != nil {
		return nil, err
	}
	copy(dup, src.block)
	return dup, nil
}

// Free stops tracking block and releases it through the allocator, whatever
// its reference count. It returns false if the block was not tracked, in
// which case it is still handed to the allocator.
func (r *Referee) Free(block []byte) bool {
	info, ok := r.infos.Delete(HandleOf(block))
	if ok {
		block = info.block
	}
	if cap(block) > 0 {
		r.allocator.Free(block)
	}
	return ok
}

// Purge frees every tracked block whose reference count is zero and returns
// the number of blocks freed.
func (r *Referee) Purge() int {
	var n int
	// Deleting swaps the last key into the deleted position, so walking the
	// keys backwards visits each one exactly once.
	keys := r.infos.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		h := keys[i]
		info := r.infos.Ptr(h)
		if info.Refcount != 0 {
			continue
		}
		block := info.block
		r.infos.Delete(h)
		r.allocator.Free(block)
		n++
	}
	if n > 0 {
		r.logger.Debug("purged blocks", "freed", n, "tracked", r.infos.Len())
	}
	return n
}

// Info returns the metadata of block, or nil if the block is not tracked.
// The fields may be modified in place. The pointer is invalidated by any
// call that starts or stops tracking a block.
func (r *Referee) Info(block []byte) *RefInfo {
	return r.infos.Ptr(HandleOf(block))
}

// Count returns the reference count of block, or 0 if it is not tracked.
func (r *Referee) Count(block []byte) uint {
	if info := r.Info(block); info != nil {
		return info.Refcount
	}
	return 0
}

// Resize sets the recorded element size of block and returns the previous
// size. The block itself is not reallocated; see Realloc.
func (r *Referee) Resize(block []byte, size uint) (uint, bool) {
	info := r.Info(block)
	if info == nil {
		return 0, false
	}
	prev := info.Size
	info.Size = size
	return prev, true
}

// Recount sets the recorded element count of block and returns the previous
// count. The block itself is not reallocated; see Realloc.
func (r *Referee) Recount(block []byte, count uint) (uint, bool) {
	info := r.Info(block)
	if info == nil {
		return 0, false
	}
	prev := info.Count
	info.Count = count
	return prev, true
}

// Len returns the number of tracked blocks.
func (r *Referee) Len() int {
	return r.infos.Len()
}

// All returns an iterator over the tracked blocks and their metadata. The
// Referee must not be modified during iteration.
func (r *Referee) All() iter.Seq2[Handle, RefInfo] {
	return func(yield func(Handle, RefInfo) bool) {
		r.infos.All(yield)
	}
}

// Close frees every tracked block, whatever its reference count, and
// releases the tracking table.
func (r *Referee) Close() {
	keys := r.infos.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if info, ok := r.infos.Delete(keys[i]); ok {
			r.allocator.Free(info.block)
		}
	}
	r.infos.Close()
}
