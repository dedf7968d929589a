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

package boot

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Device security info record layout. All fields are little endian.
//
//	0   size     uint32  total record size
//	4   version  uint32
//	8   nkeys    uint32  number of valid keys
//	12  reserved uint32
//	16  seed     [64]byte
//	80  keys     [4][32]byte
const (
	DeviceInfoVersion = 1
	DeviceInfoSize    = 208
	SeedSize          = 64
	KeySize           = 32
	MaxKeys           = 4

	seedOffset = 16
	keysOffset = seedOffset + SeedSize
)

// DeviceSecurityInfo carries the platform seed and keys handed to a TEE.
// It implements tee.Secret.
type DeviceSecurityInfo struct {
	Version uint32
	Seed    [SeedSize]byte
	Keys    [][KeySize]byte
}

// Encode returns the wire form of the record.
func (d *DeviceSecurityInfo) Encode() []byte {
	keys := d.Keys
	if len(keys) > MaxKeys {
		keys = keys[:MaxKeys]
	}
	b := make([]byte, DeviceInfoSize)
	binary.LittleEndian.PutUint32(b[0:], DeviceInfoSize)
	binary.LittleEndian.PutUint32(b[4:], d.Version)
	binary.LittleEndian.PutUint32(b[8:], uint32(len(keys)))
	copy(b[seedOffset:], d.Seed[:])
	for i, k := range keys {
		copy(b[keysOffset+i*KeySize:], k[:])
	}
	return b
}

// Wipe zeroes the key material.
func (d *DeviceSecurityInfo) Wipe() {
	clear(d.Seed[:])
	for i := range d.Keys {
		clear(d.Keys[i][:])
	}
	d.Keys = nil
}

// DecodeDeviceInfo parses a record. b is zeroed whether or not decoding
// succeeds.
func DecodeDeviceInfo(b []byte) (*DeviceSecurityInfo, error) {
	defer clear(b)
	if len(b) < 8 {
		return nil, fmt.Errorf("device info: short record of %d bytes", len(b))
	}
	size := binary.LittleEndian.Uint32(b[0:])
	if size != DeviceInfoSize || len(b) < int(size) {
		return nil, fmt.Errorf("device info: size %d, have %d bytes, want %d", size, len(b), DeviceInfoSize)
	}
	d := &DeviceSecurityInfo{Version: binary.LittleEndian.Uint32(b[4:])}
	if d.Version != DeviceInfoVersion {
		return nil, fmt.Errorf("device info: unsupported version %d", d.Version)
	}
	n := binary.LittleEndian.Uint32(b[8:])
	if n > MaxKeys {
		return nil, fmt.Errorf("device info: %d keys, at most %d", n, MaxKeys)
	}
	copy(d.Seed[:], b[seedOffset:])
	d.Keys = make([][KeySize]byte, n)
	for i := range d.Keys {
		copy(d.Keys[i][:], b[keysOffset+i*KeySize:])
	}
	return d, nil
}

// LoadDeviceInfo reads a record from a file.
func LoadDeviceInfo(path string) (*DeviceSecurityInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeDeviceInfo(b)
}
