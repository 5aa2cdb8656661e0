// Package harness runs YAML conformance scenarios against the real sync
// engine, deck manager and feed syncer, talking to an in-process fake
// profile server.
//
// # Scenario Format
//
//	name: offline_mark_then_reconnect
//	description: "A mark made offline reaches the server after reconnecting"
//	start: "2025-06-01T09:00:00Z"
//	seed: 7
//	items:
//	  - guid: a
//	    age: 2h
//	  - guid: b
//	    on: server
//	local:
//	  starred: [a]
//	server:
//	  theme: light
//	steps:
//	  - do: go_offline
//	  - do: mark
//	    args: { key: read, guid: a }
//	  - do: go_online
//	  - do: push
//	    expect:
//	      case: ok
//	      result: { acked: 1 }
//	assertions:
//	  - type: server_marks
//	    key: read
//	    guids: [a]
//	  - type: pending_count
//	    count: 0
//
// # Steps
//
//   - mark {key, guid, on}: set or clear a read/starred mark
//   - set {key, value}: change a scalar setting
//   - push, pull {force}, flush: drive the coordinator
//   - go_offline, go_online: flip device connectivity
//   - server_down, server_up, server_set {key, value},
//     server_reject {guid, reason}, server_throttle {on}: script the server
//   - refresh, full_sync {since}: fetch feed content
//   - manage_deck, shuffle, pregenerate, prune: deck and housekeeping
//   - advance_clock {by}: move the fake wall clock
//
// # Assertion Types
//
//   - trace_contains, trace_order, trace_count: on executed steps
//   - local_marks, server_marks {key, guids}: exact guid sets
//   - local_value, server_value {key, value}: scalar values
//   - pending_count {count}, request_count {prefix, count}
//   - deck {count | guids}
//
// # Deterministic Testing
//
// Scenarios run on a fake clock whose sleeps advance virtual time, counted
// cycle tokens and a seeded deck generator. The fake server's lastModified
// markers come from a logical clock. Two runs of a scenario produce the
// same snapshot, which AssertGolden compares with goldie.
package harness
