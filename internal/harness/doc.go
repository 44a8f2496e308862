// Package harness runs scripted shapefabric scenarios.
//
// A scenario drives the real actor runtime, event publisher, replicated log
// and ownership index, all in memory, with a manual clock and manual ticks,
// and records a trace that can be compared against a golden file.
//
// # Scenario Format
//
//	name: bounce_right_wall
//	description: "shape bounces off the right wall"
//	seed: 7
//	tick_interval: 10ms
//	replicas: 3
//	shapes:
//	  - id: 6f1d2a4e-0000-4000-8000-000000000001
//	    initial: {x: 899, y: 300, diff_x: 1, diff_y: 1}
//	steps:
//	  - activate: 6f1d2a4e-0000-4000-8000-000000000001
//	  - tick: 3
//	  - subscribe: {shape: <id>, observer: o1, lease: 10ms}
//	  - unsubscribe: {shape: <id>, observer: o1}
//	  - deactivate: <id>
//	  - add: {shape: <id>, owner: <id>}
//	  - remove: <id>
//	  - replicas_down: 2
//	  - add: {shape: <id>, owner: <id>}
//	    expect_error: TRANSACTION_ABORTED
//	  - replicas_up: true
//	assertions:
//	  - {type: position, shape: <id>, expect: {x: 900, diff_x: -1}}
//	  - {type: owned, owner: <id>, shapes: [<id>]}
//	  - {type: deliveries, observer: o1, count: 1}
//
// Each step does exactly one thing. "tick: N" ticks every active shape N
// times in ID order, advancing the clock by tick_interval before each round.
// Shapes without an initial state get a random one from the seed on first
// activation.
//
// # Trace
//
// The trace lists activate, tick, deliver, add, remove and error events in
// execution order. Deliveries are reported after each tick, ordered by
// observer, so the trace is identical across runs.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/bounce_right_wall.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
