//go:build wasip1

package main

import (
	"encoding/json"
	"unsafe"
)

// allocations pins buffers handed to the host until it frees them.
var allocations = map[uint32][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	allocations[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, ptr)
}

//go:wasmimport env host_run
func hostRun(ptr, n uint32) uint64

//go:wasmimport env host_log
func hostLog(ptr, n uint32)

//go:wasmexport provider_load
func providerLoad(ptr, n uint32) uint64 {
	var req request
	if err := json.Unmarshal(read(ptr, n), &req); err != nil {
		return reply(loadResponse{Error: "invalid request: " + err.Error()})
	}
	return reply(load(wasmHost{}, &req))
}

//go:wasmexport provider_action
func providerAction(ptr, n uint32) uint64 {
	var req request
	if err := json.Unmarshal(read(ptr, n), &req); err != nil {
		return reply(actionResponse{Error: "invalid request: " + err.Error()})
	}
	return reply(action(&req))
}

// wasmHost calls the host functions of the "env" module.
type wasmHost struct{}

func (wasmHost) Run(command string) (runResult, error) {
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return runResult{}, err
	}
	ptr, n := write(payload)
	defer free(ptr)

	packed := hostRun(ptr, n)
	outPtr, outLen := uint32(packed>>32), uint32(packed)
	if outLen == 0 {
		return runResult{}, errHostCall
	}
	defer free(outPtr)

	var res runResult
	if err := json.Unmarshal(read(outPtr, outLen), &res); err != nil {
		return runResult{}, err
	}
	if res.Error != "" {
		return res, hostError(res.Error)
	}
	return res, nil
}

func (wasmHost) Log(msg string) {
	ptr, n := write([]byte(msg))
	hostLog(ptr, n)
	free(ptr)
}

type hostError string

func (e hostError) Error() string { return string(e) }

const errHostCall = hostError("host_run returned no result")

// read copies n bytes at ptr out of linear memory.
func read(ptr, n uint32) []byte {
	if n == 0 {
		return nil
	}
	view := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), n)
	out := make([]byte, n)
	copy(out, view)
	return out
}

func write(data []byte) (uint32, uint32) {
	ptr := malloc(uint32(len(data)))
	copy(allocations[ptr], data)
	return ptr, uint32(len(data))
}

// reply marshals v into a pinned buffer and returns its packed location. The
// host frees it after reading.
func reply(v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"failed to encode response"}`)
	}
	ptr, n := write(data)
	return uint64(ptr)<<32 | uint64(n)
}
