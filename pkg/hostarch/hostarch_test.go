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

package hostarch

import "testing"

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		in   Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.in.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("Addr(%#x).RoundUp() = (%#x, %v), want (%#x, %v)", uint64(tc.in), uint64(got), ok, uint64(tc.want), tc.ok)
		}
	}
}

func TestRangeIntersect(t *testing.T) {
	a := Range{0x1000, 0x3000}
	b := Range{0x2000, 0x5000}
	if got, want := a.Intersect(b), (Range{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if !a.Overlaps(b) {
		t.Errorf("%v should overlap %v", a, b)
	}
	c := Range{0x3000, 0x4000}
	if a.Overlaps(c) {
		t.Errorf("%v should not overlap %v", a, c)
	}
	if got := a.Intersect(c); got.Length() != 0 {
		t.Errorf("Intersect of disjoint ranges = %v, want empty", got)
	}
}

func TestAccessBits(t *testing.T) {
	for b := uint32(0); b < 8; b++ {
		if got := AccessFromBits(b).Bits(); got != b {
			t.Errorf("AccessFromBits(%d).Bits() = %d", b, got)
		}
	}
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String() = %q", got)
	}
}

func TestPATValue(t *testing.T) {
	if got := PATValue(MemoryTypeWriteBack) & 0xff; got != uint64(MemoryTypeWriteBack) {
		t.Errorf("PAT entry 0 = %#x, want WB", got)
	}
}

func TestParseAccessType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want AccessType
		ok   bool
	}{
		{"", NoAccess, true},
		{"none", NoAccess, true},
		{"r", Read, true},
		{"rw", ReadWrite, true},
		{"r-x", ReadExec, true},
		{"rx", ReadExec, true},
		{"rwx", AnyAccess, true},
		{"---", NoAccess, true},
		{"xr", NoAccess, false},
		{"rwxx", NoAccess, false},
	} {
		got, err := ParseAccessType(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseAccessType(%q) = %v, %v; want %v, ok=%t", tc.in, got, err, tc.want, tc.ok)
		}
	}
	var a AccessType
	if err := a.UnmarshalText([]byte("rw-")); err != nil || a != ReadWrite {
		t.Errorf("UnmarshalText(rw-) = %v, %v", a, err)
	}
}
