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

package msr

import (
	"evmm.dev/evmm/pkg/halt"
)

// BitmapSize is the size of a VMX MSR bitmap.
const BitmapSize = 4096

// MSR bitmap layout: four 1K regions, each with one bit per MSR.
const (
	readLow     = 0
	readHigh    = 1024
	writeOffset = 2048

	lowEnd   = 0x2000
	highBase = 0xc0000000
	highEnd  = highBase + 0x2000
)

// Bitmap is a VMX MSR bitmap. A set bit makes the access exit.
type Bitmap []byte

func (b Bitmap) bit(msr uint32, write bool) (int, uint8) {
	var base int
	switch {
	case msr < lowEnd:
		base = readLow
	case msr >= highBase && msr < highEnd:
		base = readHigh
		msr -= highBase
	default:
		return -1, 0
	}
	if write {
		base += writeOffset
	}
	return base + int(msr/8), 1 << (msr % 8)
}

// InterceptRead makes reads of msr exit.
func (b Bitmap) InterceptRead(msr uint32) {
	i, m := b.bit(msr, false)
	halt.Check(i >= 0, "msr: %#x outside bitmap range", msr)
	b[i] |= m
}

// InterceptWrite makes writes of msr exit.
func (b Bitmap) InterceptWrite(msr uint32) {
	i, m := b.bit(msr, true)
	halt.Check(i >= 0, "msr: %#x outside bitmap range", msr)
	b[i] |= m
}

// Intercepted returns true if the access exits. MSRs outside the bitmap
// ranges always exit.
func (b Bitmap) Intercepted(msr uint32, write bool) bool {
	i, m := b.bit(msr, write)
	return i < 0 || b[i]&m != 0
}
