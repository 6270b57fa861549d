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
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type modelInfo struct {
	Refcount uint
	Count    uint
	Size     uint
}

type model map[Handle]modelInfo

func snapshot(r *Referee) model {
	s := make(model, r.Len())
	for h, info := range r.All() {
		s[h] = modelInfo{Refcount: info.Refcount, Count: info.Count, Size: info.Size}
	}
	return s
}

// TestModel runs random operations against a Referee and a plain map and
// requires that they agree after every step.
func TestModel(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed: %d", seed)
	rng := rand.New(rand.NewSource(seed))

	a := newMovingAllocator()
	r := New(WithAllocator(a))
	want := make(model)
	// Every block ever seen stays reachable so that no address is reused
	// while the test runs.
	var blocks [][]byte

	pick := func() []byte {
		if len(blocks) == 0 {
			return nil
		}
		return blocks[rng.Intn(len(blocks))]
	}
	dims := func() (uint, uint) {
		return uint(rng.Intn(8)), uint(1 + rng.Intn(32))
	}

	for i := 0; i < 5000; i++ {
		var op string
		switch rng.Intn(10) {
		case 0, 1:
			op = "alloc"
			count, size := dims()
			refs := uint(rng.Intn(3))
			b, err := r.Alloc(count, size, refs)
			require.NoError(t, err)
			blocks = append(blocks, b)
			want[HandleOf(b)] = modelInfo{refs, count, size}

		case 2:
			op = "add"
			count, size := dims()
			refs := uint(rng.Intn(3))
			b := pick()
			if b == nil || rng.Intn(2) == 0 {
				b = make([]byte, count*size, max(count*size, 1))
				blocks = append(blocks, b)
			}
			_, err := r.Add(b, count, size, refs)
			require.NoError(t, err)
			h := HandleOf(b)
			if info, ok := want[h]; ok {
				info.Refcount += refs
				want[h] = info
			} else {
				want[h] = modelInfo{refs, count, size}
			}

		case 3:
			op = "inc"
			b := pick()
			h := HandleOf(b)
			_, ok := want[h]
			require.Equal(t, ok, r.Inc(b))
			if ok {
				info := want[h]
				info.Refcount++
				want[h] = info
			}

		case 4, 5:
			op = "dec"
			b := pick()
			h := HandleOf(b)
			_, ok := want[h]
			require.Equal(t, ok, r.Dec(b))
			if info := want[h]; ok && info.Refcount > 0 {
				info.Refcount--
				want[h] = info
			}

		case 6:
			op = "realloc"
			b := pick()
			count, size := dims()
			refs := uint(rng.Intn(3))
			h := HandleOf(b)
			if info, ok := want[h]; ok {
				refs = info.Refcount
				delete(want, h)
			}
			nb, err := r.Realloc(b, count, size, refs)
			require.NoError(t, err)
			blocks = append(blocks, nb)
			want[HandleOf(nb)] = modelInfo{refs, count, size}

		case 7:
			op = "dup"
			b := pick()
			info, ok := want[HandleOf(b)]
			d, err := r.Dup(b, 1)
			if !ok {
				require.ErrorIs(t, err, ErrUntracked)
				break
			}
			require.NoError(t, err)
			blocks = append(blocks, d)
			want[HandleOf(d)] = modelInfo{1, info.Count, info.Size}

		case 8:
			b := pick()
			h := HandleOf(b)
			_, ok := want[h]
			if rng.Intn(2) == 0 {
				op = "free"
				require.Equal(t, ok, r.Free(b))
			} else {
				op = "remove"
				require.Equal(t, ok, r.Remove(b))
			}
			delete(want, h)

		case 9:
			op = "purge"
			var n int
			for h, info := range want {
				if info.Refcount == 0 {
					delete(want, h)
					n++
				}
			}
			require.Equal(t, n, r.Purge())
		}

		if diff := cmp.Diff(want, snapshot(r)); diff != "" {
			t.Fatalf("step %d (%s): referee differs from model (-want +got):\n%s", i, op, diff)
		}
	}
}
