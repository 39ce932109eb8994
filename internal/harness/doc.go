// Package harness runs scripted multi-entity scenarios against real
// processors and checks their outcomes.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: bilateral_then_overdraw
//	description: "What this scenario validates"
//	entities:
//	  - id: alice
//	    balance: 100
//	  - id: bob
//	    balance: 0
//	    journal: true
//	flow:
//	  - action: transfer
//	    entity: alice
//	    to: bob
//	    amount: 30
//	  - action: transfer
//	    entity: alice
//	    to: bob
//	    amount: 80
//	    expect:
//	      outcome: rejected
//	      reason: NegativeBalance
//	assertions:
//	  - type: balance
//	    entity: alice
//	    balance: 70
//
// Flow actions are transfer (bilateral by default, or mode: unilateral),
// sync, flush, restart (rebuild an entity from its journal) and
// directory_down / directory_up.
//
// # Assertion Types
//
//   - balance, head: an entity's head balance or state number
//   - total_balance: the sum of all head balances
//   - chain_valid: the chain re-verifies from genesis and every state has a
//     valid inclusion proof
//   - pending: unacknowledged unilateral states from entity to peer
//   - outbox: publications waiting for the directory
//   - trace_count: events for an action, optionally of one outcome
//
// # Deterministic Testing
//
// Every run uses a logical clock starting at testutil.GenesisTime, session
// IDs derived from the scenario name, keys derived from entity IDs and dev
// genesis states. Two runs of the same scenario produce identical traces, so
// traces can be compared against golden files (see RunWithGolden).
package harness
