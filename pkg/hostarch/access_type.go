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

import "fmt"

// AccessType specifies memory access types.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// Intersect returns the access types set in both a and other.
func (a AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read && other.Read,
		Write:   a.Write && other.Write,
		Execute: a.Execute && other.Execute,
	}
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Bits returns the access type as a 3-bit R/W/X value, the layout shared by
// EPT entries and section permission tables.
func (a AccessType) Bits() uint32 {
	var b uint32
	if a.Read {
		b |= 1
	}
	if a.Write {
		b |= 2
	}
	if a.Execute {
		b |= 4
	}
	return b
}

// AccessFromBits is the inverse of AccessType.Bits.
func AccessFromBits(b uint32) AccessType {
	return AccessType{
		Read:    b&1 != 0,
		Write:   b&2 != 0,
		Execute: b&4 != 0,
	}
}

// ParseAccessType parses the String form. Letters may be omitted instead of
// written as '-', so "rw" and "rw-" are equivalent.
func ParseAccessType(s string) (AccessType, error) {
	var a AccessType
	if s == "" || s == "none" {
		return a, nil
	}
	i := 0
	for _, f := range []struct {
		c   byte
		bit *bool
	}{{'r', &a.Read}, {'w', &a.Write}, {'x', &a.Execute}} {
		if i < len(s) && s[i] == f.c {
			*f.bit = true
			i++
		} else if i < len(s) && s[i] == '-' {
			i++
		}
	}
	if i != len(s) {
		return AccessType{}, fmt.Errorf("invalid access type %q", s)
	}
	return a, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a AccessType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccessType) UnmarshalText(b []byte) error {
	v, err := ParseAccessType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	Execute   = AccessType{Execute: true}
	ReadWrite = AccessType{Read: true, Write: true}
	ReadExec  = AccessType{Read: true, Execute: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)
