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

import "errors"

var (
	// ErrAllocFailed is returned when an allocator cannot provide a block, or
	// when the tracking table cannot grow to hold a new entry.
	ErrAllocFailed = errors.New("referee: allocation failed")

	// ErrUntracked is returned by operations that need the metadata of a
	// block the Referee is not tracking.
	ErrUntracked = errors.New("referee: block is not tracked")

	// ErrInvalidBlock is returned for blocks without backing storage. A
	// zero-capacity slice has no address and cannot be tracked.
	ErrInvalidBlock = errors.New("referee: block has no backing storage")

	// ErrSizeOverflow is returned when count*size does not fit in an int.
	ErrSizeOverflow = errors.New("referee: block size overflows")
)
