// Package orchestrator sequences governed pipeline runs. Phases execute in a
// fixed total order, one at a time; each phase passes through pre-stage
// verdict ports, an optional human review gate, the phase body, post-stage
// verdict ports, and a state snapshot, with an audit entry for every
// transition. A Block verdict or a rejected/timed-out gate fails the phase,
// and a failed phase halts the run unless its policy allows skipping.
package orchestrator
