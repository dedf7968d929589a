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

package halt

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCatch(t *testing.T) {
	e := Catch(func() { Fatalf("out of %s", "pages") })
	if e == nil {
		t.Fatalf("Fatalf did not halt")
	}
	if e.Msg != "out of pages" {
		t.Errorf("Msg = %q", e.Msg)
	}
	if e := Catch(func() {}); e != nil {
		t.Errorf("Catch returned %v for a function that did not halt", e)
	}
}

func TestAssertDebugOnly(t *testing.T) {
	defer SetDebug(Debug())

	SetDebug(false)
	if e := Catch(func() { Assert(false, "release") }); e != nil {
		t.Errorf("Assert halted with debug checks disabled: %v", e)
	}
	SetDebug(true)
	e := Catch(func() { Assert(false, "field %d", 7) })
	if e == nil || !strings.Contains(e.Msg, "field 7") {
		t.Errorf("Assert with debug = %v", e)
	}
}

func TestHooksRunBeforeHalt(t *testing.T) {
	var got []string
	defer AddHook(func(reason string) { got = append(got, reason) })()

	e := Catch(func() { WithDump("rip=0", "vm entry failed") })
	if e == nil || e.Dump != "rip=0" {
		t.Fatalf("WithDump = %v", e)
	}
	if len(got) != 1 || got[0] != "vm entry failed" {
		t.Errorf("hooks saw %q", got)
	}
}

func TestHooksRunOnEveryHalt(t *testing.T) {
	var got []string
	defer AddHook(func(reason string) { got = append(got, reason) })()

	Catch(func() { Fatalf("first") })
	Catch(func() { Fatalf("second") })
	if diff := cmp.Diff([]string{"first", "second"}, got); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestHookHaltDoesNotRecurse(t *testing.T) {
	calls := 0
	defer AddHook(func(string) {
		calls++
		Fatalf("hook failed")
	})()

	e := Catch(func() { Fatalf("outer") })
	if e == nil || e.Msg != "hook failed" {
		t.Errorf("halt = %v, want the hook's halt", e)
	}
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
	if halting.Load() {
		t.Errorf("halting still set after the halt unwound")
	}
}

func TestRemoveHook(t *testing.T) {
	n := NumHooks()
	var a, b int
	removeA := AddHook(func(string) { a++ })
	removeB := AddHook(func(string) { b++ })
	removeA()
	Catch(func() { Fatalf("once") })
	removeB()
	removeB()
	Catch(func() { Fatalf("twice") })
	if a != 0 || b != 1 {
		t.Errorf("hook calls a=%d b=%d, want 0 and 1", a, b)
	}
	if got := NumHooks(); got != n {
		t.Errorf("NumHooks = %d after removing both, want %d", got, n)
	}
}
