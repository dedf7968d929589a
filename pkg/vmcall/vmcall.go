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

// Package vmcall is the registry of monitor calls.
//
// A guest issues a monitor call by executing VMCALL with the call id in
// RAX. Handlers are keyed by the calling guest and the call id, registered
// during bring-up and read without locking afterwards.
package vmcall

import (
	"fmt"

	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
	"evmm.dev/evmm/pkg/platform"
)

// ID is a monitor call id.
type ID uint32

// Context is passed to handlers.
type Context struct {
	// CPU is the physical CPU the call arrived on.
	CPU platform.CPU

	// GCPU is the calling virtual CPU.
	GCPU handle.GCPU

	// Guest is the calling guest.
	Guest handle.Guest

	// Unhandled is set by a handler that declines the call.
	Unhandled bool
}

// Handler serves a monitor call.
type Handler func(ctx *Context)

type key struct {
	guest handle.Guest
	id    ID
}

// Registry maps (guest, call id) to handlers.
type Registry struct {
	handlers map[key]Handler
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register installs h for call id issued by guest. Double registration is
// fatal.
func (r *Registry) Register(guest handle.Guest, id ID, h Handler) {
	halt.Check(!r.frozen, "vmcall: %v call %#x registered after freeze", guest, id)
	halt.Check(h != nil, "vmcall: nil handler for %v call %#x", guest, id)
	k := key{guest, id}
	_, dup := r.handlers[k]
	halt.Check(!dup, "vmcall: %v call %#x registered twice", guest, id)
	r.handlers[k] = h
}

// Freeze ends registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Lookup returns the handler for call id issued by guest.
func (r *Registry) Lookup(guest handle.Guest, id ID) (Handler, bool) {
	h, ok := r.handlers[key{guest, id}]
	return h, ok
}

// Dispatch runs the handler for call id. It returns false if none is
// registered or the handler declined; the caller then delivers #UD to the
// guest.
func (r *Registry) Dispatch(ctx *Context, id ID) bool {
	h, ok := r.Lookup(ctx.Guest, id)
	if !ok {
		return false
	}
	h(ctx)
	return !ctx.Unhandled
}

// String implements fmt.Stringer.String.
func (id ID) String() string {
	return fmt.Sprintf("vmcall(%#x)", uint32(id))
}
