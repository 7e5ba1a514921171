// Package wasmengine adapts a WebAssembly module to the crdt.Engine
// contract via tetratelabs/wazero, so a deployment can plug in a real
// third-party CRDT implementation (e.g. an automerge-wasm build) instead
// of the pure-Go internal/crdt/lww default. cob's core code depends on
// crdt.Engine only; nothing downstream of the DAG assembler cares whether
// an engine's logic runs as native Go or as guest WASM.
//
// The guest module is expected to export six functions following a
// simple linear-memory ABI over the guest's own exported "memory":
// cob_alloc(len) -> ptr, which the host calls to reserve guest-writable
// space for its inputs; cob_new() -> (ptr, len); cob_apply(state ptr,
// state len, payload ptr, payload len) -> (ptr, len); and cob_render,
// cob_serialize and cob_deserialize, each taking and returning one
// (pointer, length) pair. Guest modules are free to implement this ABI in any language
// wazero can run; none is vendored here.
package wasmengine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cob-systems/cob/internal/crdt"
)

// Engine hosts one compiled WASM module instance as a crdt.Engine. It is
// not safe for concurrent use from multiple goroutines against the same
// instance. Every Load compiles and instantiates its own module in its own
// runtime, so separate Engines share no guest state.
type Engine struct {
	historyType string
	runtime     wazero.Runtime
	module      api.Module
	alloc       api.Function
	newFn       api.Function
	applyFn     api.Function
	renderFn    api.Function
	serializeFn api.Function
	deserialize api.Function
}

// wasmState is the State this engine produces: an opaque byte blob the
// guest module alone interprets. It holds no reference to an Engine; each
// call copies the bytes into the guest's linear memory and reads the
// result back out.
type wasmState struct {
	bytes []byte
}

// Load compiles and instantiates the WASM module binary wasmBinary for
// historyType,
// the manifest.toml history_type value this Engine answers to. Compiling
// is expensive; callers should Load once and reuse the *Engine across
// objects of the same history type.
func Load(ctx context.Context, historyType string, wasmBinary []byte) (*Engine, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasmengine: instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBinary)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasmengine: compile module: %w", err)
	}

	mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("wasmengine: instantiate module: %w", err)
	}

	e := &Engine{historyType: historyType, runtime: runtime, module: mod}
	for name, dst := range map[string]*api.Function{
		"cob_alloc":        &e.alloc,
		"cob_new":          &e.newFn,
		"cob_apply":        &e.applyFn,
		"cob_render":       &e.renderFn,
		"cob_serialize":    &e.serializeFn,
		"cob_deserialize":  &e.deserialize,
	} {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("wasmengine: guest module missing export %q", name)
		}
		*dst = fn
	}
	return e, nil
}

// Close releases the underlying wazero runtime and guest module.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func (e *Engine) HistoryType() string { return e.historyType }

func (e *Engine) writeGuestBytes(ctx context.Context, data []byte) (uint64, uint64, error) {
	results, err := e.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("wasmengine: cob_alloc: %w", err)
	}
	ptr := results[0]
	if !e.module.Memory().Write(uint32(ptr), data) {
		return 0, 0, fmt.Errorf("wasmengine: guest memory write out of range")
	}
	return ptr, uint64(len(data)), nil
}

func (e *Engine) readGuestBytes(ptr, length uint64) ([]byte, error) {
	data, ok := e.module.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return nil, fmt.Errorf("wasmengine: guest memory read out of range")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// callByteFn invokes a guest function with ABI (ptr, len) -> (ptr, len),
// the shared shape of cob_render, cob_serialize and cob_deserialize
// (cob_apply takes two pairs and is called directly by Apply).
func (e *Engine) callByteFn(ctx context.Context, fn api.Function, in []byte) ([]byte, error) {
	ptr, length, err := e.writeGuestBytes(ctx, in)
	if err != nil {
		return nil, err
	}
	results, err := fn.Call(ctx, ptr, length)
	if err != nil {
		return nil, fmt.Errorf("%w: guest call trapped: %v", crdt.ErrApply, err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("wasmengine: guest function returned %d values, want 2", len(results))
	}
	return e.readGuestBytes(results[0], results[1])
}

func (e *Engine) New() crdt.State {
	ctx := context.Background()
	results, err := e.newFn.Call(ctx)
	if err != nil || len(results) != 2 {
		return &wasmState{}
	}
	data, _ := e.readGuestBytes(results[0], results[1])
	return &wasmState{bytes: data}
}

func (e *Engine) Apply(state crdt.State, payload []byte) (crdt.State, error) {
	ws, ok := state.(*wasmState)
	if !ok {
		return nil, fmt.Errorf("%w: wasm engine given foreign state type", crdt.ErrApply)
	}
	ctx := context.Background()
	statePtr, stateLen, err := e.writeGuestBytes(ctx, ws.bytes)
	if err != nil {
		return nil, err
	}
	payloadPtr, payloadLen, err := e.writeGuestBytes(ctx, payload)
	if err != nil {
		return nil, err
	}
	results, err := e.applyFn.Call(ctx, statePtr, stateLen, payloadPtr, payloadLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crdt.ErrApply, err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("wasmengine: cob_apply returned %d values, want 2", len(results))
	}
	next, err := e.readGuestBytes(results[0], results[1])
	if err != nil {
		return nil, err
	}
	return &wasmState{bytes: next}, nil
}

func (e *Engine) Dependencies(payload []byte) ([]string, error) {
	// Dependency extraction is left to the guest's render/apply logic;
	// the host-side ABI this module defines has no separate export for
	// it. A richer ABI revision could add a cob_dependencies export.
	return nil, nil
}

func (e *Engine) Render(state crdt.State) ([]byte, error) {
	ws, ok := state.(*wasmState)
	if !ok {
		return nil, fmt.Errorf("%w: wasm engine given foreign state type", crdt.ErrApply)
	}
	return e.callByteFn(context.Background(), e.renderFn, ws.bytes)
}

func (e *Engine) Serialize(state crdt.State) ([]byte, error) {
	ws, ok := state.(*wasmState)
	if !ok {
		return nil, fmt.Errorf("%w: wasm engine given foreign state type", crdt.ErrApply)
	}
	return e.callByteFn(context.Background(), e.serializeFn, ws.bytes)
}

func (e *Engine) Deserialize(data []byte) (crdt.State, error) {
	restored, err := e.callByteFn(context.Background(), e.deserialize, data)
	if err != nil {
		return nil, err
	}
	return &wasmState{bytes: restored}, nil
}
