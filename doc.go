// Package subpilot provides the orchestration core that drives
// long-running subscription-cancellation flows to completion: an
// in-process event bus, a retrying job queue backed by a bounded worker
// pool, a step-graph workflow engine, and a lifecycle coordinator.
//
// The core is designed as a library, not a service. The surrounding
// application (API handlers, persistence, provider clients) plugs in
// through narrow extension points: job processors, step processors,
// workflow definitions, and event-bus subscriptions.
//
// # Quick Start
//
//	cfg := subpilot.DefaultConfig()
//	cfg.Concurrency = 8
//
//	eng, err := engine.Build(cfg, memory.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
// # Architecture
//
// Subsystems depend leaf-to-root: event (no dependencies), job and its
// store, worker, workflow, and finally engine, the composition root.
// The Coordinator in this package owns startup ordering, health
// checks, OS signal handling, and LIFO shutdown.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package subpilot
