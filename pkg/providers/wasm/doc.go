// Package wasm loads provider classes implemented as WebAssembly modules.
//
// Each provider lives in its own directory with a manifest.yaml naming the
// module, the resource types and actions it implements, the capabilities it
// needs and the priority map filter it registers under.
//
// A module exports memory, malloc(size i32) i32, free(ptr i32) and two
// provider functions taking (ptr, len) of a JSON request and returning
// (ptr << 32 | len) of a JSON response:
//
//	provider_load    {"resource", "node"} -> {"current": {...}, "error"}
//	provider_action  {"resource", "action", "node", "current"} -> {"steps": [...], "error"}
//
// Modules never touch the node while computing an action. provider_action
// returns steps and the host queues each as a converge action, so why-run
// narrates them without executing. While loading current state a module may
// call the host functions of the "env" module:
//
//	host_run(ptr, len) i64        requires the exec capability
//	host_read_file(ptr, len) i64  requires the fs:read capability
//	host_log(ptr, len)
//
// A fresh module instance serves every call and is discarded afterwards.
package wasm
