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

import "log/slog"

// option provide an interface to do work on a Referee while it is being
// created.
type option interface {
	apply(r *Referee)
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(r *Referee) {
	if op.allocator != nil {
		r.allocator = op.allocator
	}
}

// WithAllocator specifies the Allocator used for Alloc, Realloc, Dup, Free
// and Purge. The default is HeapAllocator.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

type loggerOption struct {
	logger *slog.Logger
}

func (op loggerOption) apply(r *Referee) {
	if op.logger != nil {
		r.logger = op.logger
	}
}

// WithLogger specifies the logger that receives debug records about
// relocations, purges and allocation failures. By default nothing is logged.
func WithLogger(logger *slog.Logger) option {
	return loggerOption{logger}
}

type initialCapacityOption struct {
	n int
}

func (op initialCapacityOption) apply(r *Referee) {
	r.initialCapacity = op.n
}

// WithInitialCapacity sizes the tracking table for n blocks up front.
func WithInitialCapacity(n int) option {
	return initialCapacityOption{n}
}
