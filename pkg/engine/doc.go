// Package engine is the convergence core of converge.
//
// # Overview
//
// A run takes a set of declared resources and drives the node toward them:
//
//  1. Collection - resources are inserted in declaration order, optionally
//     reordered by before edges, and wired with notifications
//  2. Resolve - each resource action is mapped to a ProviderClass through the
//     PriorityMap for the node's platform
//  3. Load - the provider snapshots the resource's current state
//  4. Guard - only_if and not_if guards are evaluated by a GuardInterpreter
//  5. Converge - the provider queues converge actions that the runner executes,
//     or only describes in why-run mode
//  6. Notify - updated resources fire immediate notifications inline and queue
//     delayed ones for the end of the pass
//
// # Core Domain Types
//
//   - Resource: a typed, named unit of desired state
//   - ResourceCollection: ordered resources plus the notification table
//   - Node: merged attribute levels describing the machine
//   - PriorityMap and Resolver: provider registration and per-run resolution
//   - Provider and ProviderBase: one action on one resource, with ConvergeBy
//   - RunContext: the per-run container handed to every provider
//   - Runner: the converge loop, returning a RunStatus
//
// # Providers
//
// Providers embed ProviderBase and wrap every change in ConvergeBy:
//
//	func (p *filePathProvider) Action(ctx context.Context, action engine.Action) error {
//	    if p.exists {
//	        return nil
//	    }
//	    p.ConvergeBy("create file "+p.path, func(ctx context.Context) error {
//	        return p.transport.WriteFile(ctx, p.path, p.content, 0o644)
//	    })
//	    return nil
//	}
//
// Classes are registered once at startup:
//
//	priorities := engine.NewPriorityMap()
//	_ = priorities.Register(engine.PriorityEntry{ResourceType: "package", Class: genericPackage})
//	_ = priorities.Register(engine.PriorityEntry{
//	    ResourceType: "package",
//	    Filter:       engine.Filter{Platform: []string{"freebsd"}},
//	    Class:        freebsdPackage,
//	})
//	priorities.Lock()
//
// Resolution prefers more specific filters (platform_version, platform,
// platform_family, os, default), then higher Priority, then the most recent
// registration.
//
// # Error Classification
//
// Errors are EngineErrors with a class and a code. Use errors.Is with the
// package sentinels:
//
//	if errors.Is(err, engine.ErrDuplicateResource) {
//	    // declaration bug
//	}
//
// A run that fails more than once, or runs with AccumulateErrors, reports a
// MultipleFailures error listing each ResourceFailure in order.
//
// # Thread Safety
//
// A RunContext and its collection belong to one run. The PriorityMap is safe
// for concurrent reads once registration is complete.
package engine
