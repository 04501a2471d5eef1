// Package harness runs scripted scenarios against a sync session.
//
// A scenario seeds an in-memory backend, opens a session on a fake clock
// and replays a list of steps. Every step and every component event lands
// in one ordered trace, which assertions inspect and golden files pin.
//
// # Scenario Format
//
//	name: record_prayer
//	description: "A prayer is recorded optimistically and committed"
//	user: u1
//	timezone: UTC
//	start: 2026-10-17T10:00:00Z
//	seed:
//	  intentions:
//	    - { id: i1, owner_id: u1, text: health, active: true }
//	steps:
//	  - read: prayer-records/u1/2026-10-17
//	  - mutate: prayer.record
//	    payload: { id: r1, owner_id: u1, day_key: "2026-10-17", period: morning }
//	    expect: { status: committed }
//	  - fail: { op: prayers.record, code: validation }
//	  - realtime: { table: intentions, action: created, record: { ... } }
//	  - trigger: manual
//	  - advance: 2m
//	  - sign_out: true
//	assertions:
//	  - type: trace_contains
//	    source: mutation
//	    kind: commit
//	  - type: cache_entry
//	    key: prayer-records/u1/2026-10-17
//	    len: 1
//
// # Determinism
//
// The session runs with ManualClock and no background loop. An advance
// step moves the fake clock, checks for day and period transitions, fires
// the due scheduled refresh and drains the session queue on the calling
// goroutine. Fetch retries are disabled so no step ever waits on a timer.
// Identical scenarios therefore produce identical traces.
package harness
