// Package harness runs notebook scenarios against an in-process kernel host.
//
// Each scenario gets a fresh client talking over an in-memory pipe to a
// host serving the value kernel, and an in-memory kernel catalog. Steps are
// submitted one at a time; every event the client receives is recorded in
// the trace used by assertions and golden snapshots.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	kernel: value
//	setup:
//	  - submit: "x = 1"
//	steps:
//	  - submit: "x"
//	    expect:
//	      success: true
//	      outputs: ["text/plain: 1"]
//	  - request_value: x
//	    expect: { value: "1" }
//	assertions:
//	  - type: trace_contains
//	    event: ReturnValueProduced
//	  - type: final_value
//	    name: x
//	    value: "1"
//
// # Step Kinds
//
// A step sets exactly one of submit, request_value, send_value, diagnose,
// hover or completions. Setup steps run first and must succeed.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (and token, detail) was received
//   - trace_order: the given event types first appear in order
//   - trace_count: an event type appears exactly N times
//   - single_terminal: every command token saw exactly one terminal event
//   - final_value: the value kernel holds name = value after the steps
//   - catalog_contains: the kernel catalog recorded the named kernel
package harness
