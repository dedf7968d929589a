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

package vmcall

import (
	"testing"

	"evmm.dev/evmm/pkg/halt"
	"evmm.dev/evmm/pkg/handle"
)

func TestDispatch(t *testing.T) {
	r := NewRegistry()
	var got []handle.GCPU
	r.Register(0, 0x10, func(ctx *Context) { got = append(got, ctx.GCPU) })
	r.Register(1, 0x10, func(ctx *Context) { t.Errorf("guest 1 handler called") })
	r.Freeze()

	if !r.Dispatch(&Context{Guest: 0, GCPU: 4}, 0x10) {
		t.Errorf("Dispatch of registered call failed")
	}
	if r.Dispatch(&Context{Guest: 0, GCPU: 4}, 0x11) {
		t.Errorf("Dispatch of unknown id succeeded")
	}
	if r.Dispatch(&Context{Guest: 2, GCPU: 4}, 0x10) {
		t.Errorf("Dispatch from unregistered guest succeeded")
	}
	if len(got) != 1 || got[0] != 4 {
		t.Errorf("handler calls = %v", got)
	}
}

func TestRegisterMisuse(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(r *Registry)
	}{
		{"twice", func(r *Registry) {
			r.Register(0, 1, func(*Context) {})
			r.Register(0, 1, func(*Context) {})
		}},
		{"nil", func(r *Registry) { r.Register(0, 1, nil) }},
		{"frozen", func(r *Registry) {
			r.Freeze()
			r.Register(0, 1, func(*Context) {})
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if e := halt.Catch(func() { tc.fn(NewRegistry()) }); e == nil {
				t.Errorf("no halt")
			}
		})
	}
}

func TestDeclined(t *testing.T) {
	r := NewRegistry()
	r.Register(0, 7, func(ctx *Context) { ctx.Unhandled = true })
	if r.Dispatch(&Context{}, 7) {
		t.Errorf("declined call reported handled")
	}
}
