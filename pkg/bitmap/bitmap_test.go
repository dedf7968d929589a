// Copyright 2024 The evmm Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetClear(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Set(i)
		b.Set(i)
	}
	if got := b.NumOnes(); got != 4 {
		t.Errorf("NumOnes = %d, want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Clear(63)
	b.Clear(63)
	if b.IsSet(63) || b.NumOnes() != 3 {
		t.Errorf("Clear(63) left IsSet=%v NumOnes=%d", b.IsSet(63), b.NumOnes())
	}
}

func TestRanges(t *testing.T) {
	for _, tc := range []struct {
		name       string
		begin, end uint32
	}{
		{"within word", 3, 17},
		{"word boundary", 60, 70},
		{"full words", 64, 192},
		{"spanning", 1, 199},
		{"empty", 5, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(200)
			b.SetRange(tc.begin, tc.end)
			if got, want := b.NumOnes(), tc.end-tc.begin; got != want {
				t.Errorf("NumOnes after SetRange = %d, want %d", got, want)
			}
			for i := uint32(0); i < 200; i++ {
				if want := i >= tc.begin && i < tc.end; b.IsSet(i) != want {
					t.Fatalf("bit %d = %v, want %v", i, b.IsSet(i), want)
				}
			}
			b.ClearRange(tc.begin, tc.end)
			if !b.IsEmpty() {
				t.Errorf("bitmap not empty after ClearRange: %v", b.ToSlice())
			}
		})
	}
}

func TestFirstZeroOne(t *testing.T) {
	b := New(100)
	if _, ok := b.FirstOne(0); ok {
		t.Errorf("FirstOne on empty bitmap succeeded")
	}
	b.SetRange(0, 70)
	if got, ok := b.FirstZero(0); !ok || got != 70 {
		t.Errorf("FirstZero(0) = %d, %v; want 70", got, ok)
	}
	if got, ok := b.FirstOne(10); !ok || got != 10 {
		t.Errorf("FirstOne(10) = %d, %v; want 10", got, ok)
	}
	if _, ok := b.FirstOne(70); ok {
		t.Errorf("FirstOne(70) succeeded")
	}
	b.SetRange(70, 100)
	if got, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero on full bitmap = %d; padding bits must not count", got)
	}
	if !b.AllClear(100, 100) || b.AllClear(99, 100) {
		t.Errorf("AllClear gave wrong answer")
	}
}
