package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Exports every provider module must define.
const (
	exportMalloc = "malloc"
	exportFree   = "free"
	exportLoad   = "provider_load"
	exportAction = "provider_action"
)

// bridge calls provider functions on one module instance, passing JSON
// through linear memory. Provider functions take (ptr, len) of the request
// and return (ptr << 32 | len) of the response.
type bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
	load   api.Function
	action api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{module: module, memory: module.Memory()}
	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	for name, fn := range map[string]*api.Function{
		exportMalloc: &b.malloc,
		exportFree:   &b.free,
		exportLoad:   &b.load,
		exportAction: &b.action,
	} {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			return nil, fmt.Errorf("module does not export %s", name)
		}
	}
	return b, nil
}

// call marshals req, invokes fn and unmarshals the response into resp.
func (b *bridge) call(ctx context.Context, fn api.Function, req, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	output, err := b.callRaw(ctx, fn, input)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(output, resp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (b *bridge) callRaw(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write request to module memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", fn.Definition().Name(), err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", fn.Definition().Name())
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}
	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("response out of module memory range")
	}
	// Read returns a view; copy before the module reuses the region.
	output := make([]byte, len(view))
	copy(output, view)
	b.deallocate(ctx, outputPtr)
	return output, nil
}

// writeOut copies data into memory allocated by the module and returns the
// packed pointer and length. Host functions use it to hand results back.
func (b *bridge) writeOut(ctx context.Context, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	ptr, err := b.allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !b.memory.Write(ptr, data) {
		return 0, fmt.Errorf("failed to write to module memory")
	}
	return pack(ptr, uint32(len(data))), nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

// deallocate releases module memory. Failures are ignored: the instance is
// discarded after every provider call.
func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

func pack(ptr, n uint32) uint64 {
	return uint64(ptr)<<32 | uint64(n)
}

func unpack(v uint64) (ptr, n uint32) {
	return uint32(v >> 32), uint32(v)
}
