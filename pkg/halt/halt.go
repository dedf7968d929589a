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

// Package halt implements the terminal failure path of the hypervisor.
//
// Resource exhaustion, broken hardware invariants and caller-contract
// violations all end here: pre-halt hooks run (these wipe sensitive data),
// a diagnostic dump is logged, and the halt handler stops the processor.
// There is no recovery from a halt.
package halt

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"evmm.dev/evmm/pkg/log"
)

// Error is the value carried by a halt. The default handler panics with it.
type Error struct {
	// Msg is the formatted reason.
	Msg string

	// Dump is the diagnostic dump, if any.
	Dump string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return "halt: " + e.Msg
}

// Handler stops execution. It must not return.
type Handler func(e *Error)

// hook is one registered pre-halt function. Hooks are compared by
// identity so that each registration can be removed on its own.
type hook struct {
	fn func(reason string)
}

var (
	// mu protects hooks and handler. hooks is copied on write, so a halt
	// iterates a snapshot without holding mu.
	mu sync.Mutex

	hooks   []*hook
	handler Handler = func(e *Error) { panic(e) }

	// halting is set while hooks run. A hook that itself halts skips the
	// hooks instead of recursing into them; every other halt runs them.
	halting atomic.Bool

	debug atomic.Bool
)

// SetDebug enables or disables debug-only contract checks.
func SetDebug(on bool) {
	debug.Store(on)
}

// Debug returns true if debug-only checks are enabled.
func Debug() bool {
	return debug.Load()
}

// AddHook registers a function that runs before the processor halts, and
// returns a function that removes it again. Hooks are installed during
// bring-up; removal is for runtimes that are torn down, such as in tests.
func AddHook(fn func(reason string)) (remove func()) {
	h := &hook{fn: fn}
	mu.Lock()
	defer mu.Unlock()
	hooks = append(slices.Clip(hooks), h)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		hooks = slices.DeleteFunc(slices.Clone(hooks), func(o *hook) bool { return o == h })
	}
}

// NumHooks returns the number of registered hooks.
func NumHooks() int {
	mu.Lock()
	defer mu.Unlock()
	return len(hooks)
}

// SetHandler replaces the halt handler and returns the previous one.
func SetHandler(h Handler) Handler {
	mu.Lock()
	defer mu.Unlock()
	prev := handler
	handler = h
	return prev
}

// Fatalf halts with a formatted reason and no dump.
func Fatalf(format string, v ...any) {
	halt(fmt.Sprintf(format, v...), "")
}

// WithDump halts with a reason and a diagnostic dump.
func WithDump(dump string, format string, v ...any) {
	halt(fmt.Sprintf(format, v...), dump)
}

// Assert halts if cond is false and debug checks are enabled. Release
// configurations trust the caller.
func Assert(cond bool, format string, v ...any) {
	if cond || !debug.Load() {
		return
	}
	halt("assertion failed: "+fmt.Sprintf(format, v...), "")
}

// Check halts if cond is false regardless of debug mode. It is used for
// contract violations on cold paths such as registration.
func Check(cond bool, format string, v ...any) {
	if cond {
		return
	}
	halt(fmt.Sprintf(format, v...), "")
}

func halt(msg, dump string) {
	e := &Error{Msg: msg, Dump: dump}
	mu.Lock()
	h := handler
	hs := hooks
	mu.Unlock()

	if halting.CompareAndSwap(false, true) {
		func() {
			defer halting.Store(false)
			for _, hk := range hs {
				hk.fn(msg)
			}
		}()
	}
	log.Warningf("HALT: %s", msg)
	if dump != "" {
		log.Warningf("%s", dump)
	}
	h(e)
	panic(fmt.Sprintf("halt handler returned: %s", msg))
}

// Catch runs fn with a recovering handler installed and returns the halt
// that fn triggered, or nil. It is intended for tests.
func Catch(fn func()) (caught *Error) {
	prev := SetHandler(func(e *Error) { panic(e) })
	defer SetHandler(prev)
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*Error); ok {
				caught = e
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}
