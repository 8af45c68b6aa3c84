// Package harness simulates whole sessions for conformance tests.
//
// A scenario starts a process memory image, connects it to an in-process
// coordinator, drives it through steps and checks the outcome. The session
// runs the real runner, controller and store; only the process and the
// coordinator are simulated.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: deliver_present
//	description: "A present sent by another player lands in the give mailbox"
//	boot: running
//	memory:
//	  - addr: 0xF458
//	    bytes: [0]
//	slot:
//	  character: 0
//	  death_link: true
//	stored:
//	  ramlink_T0_S1_LAST_INDEX: "4"
//	placements:
//	  25101991: Rocket Skates
//	steps:
//	  - connect: true
//	  - tick: 2
//	  - give: [Rocket Skates]
//	  - poke: {addr: 0xA248, bytes: [2]}
//	  - death: true
//	  - disconnect: true
//	assertions:
//	  - type: trace_order
//	    keys: ["sent:Get", "state:normal", "applied:ok"]
//	  - type: writes
//	    addr: 0xF554
//	    count: 1
//	    bytes: [0x05]
//	  - type: status
//	    expect: {state: normal, last_index: 1}
//	  - type: final_state
//	    table: journal
//	    where: {event: applied, idx: 1}
//	    expect: {outcome: ok}
//
// # Assertion Types
//
//   - trace_contains: an event of the given type with matching fields exists
//   - trace_order: event keys appear in order (see TraceEvent.Key)
//   - trace_count: matching events appear exactly N times
//   - memory: final process bytes at an address
//   - writes: number of writes to an address and the last value written
//   - status: controller status fields
//   - final_state: one row of a store table (datastore, items, checks, journal)
//
// # Deterministic Testing
//
// Session ids are derived from the scenario name, the random source is
// seeded from the scenario and the wall clock is fixed, so the trace of a
// scenario is identical across runs and can be compared to a golden file.
package harness
