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

import (
	"hash/maphash"
	"reflect"
	"unsafe"
)

// mix scrambles the bits of an integer or address so that keys differing
// only in their low or high bits land in different slots. Pointers are
// aligned, so without the multiply their low bits would always be zero. This
// is not a strong hash; it only needs to avalanche well enough for a table
// that is never more than half full.
func mix(x uint64) uint64 {
	x *= 0xff51afd7ed558ccd
	x ^= x >> 32
	return x
}

// defaultHasher returns the hash function used for keys of type K when no
// WithHash option is given. Integer, uintptr and pointer keys are hashed by
// mixing their bit pattern directly. Every other comparable type falls back
// to maphash with a seed chosen when the map is created.
func defaultHasher[K comparable]() func(key K) uint64 {
	var zero K
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Pointer, reflect.UnsafePointer:
		switch unsafe.Sizeof(zero) {
		case 8:
			return func(key K) uint64 {
				return mix(*(*uint64)(unsafe.Pointer(&key)))
			}
		case 4:
			return func(key K) uint64 {
				return mix(uint64(*(*uint32)(unsafe.Pointer(&key))))
			}
		case 2:
			return func(key K) uint64 {
				return mix(uint64(*(*uint16)(unsafe.Pointer(&key))))
			}
		case 1:
			return func(key K) uint64 {
				return mix(uint64(*(*uint8)(unsafe.Pointer(&key))))
			}
		}
	}
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}
