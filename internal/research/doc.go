// Package research implements the autonomous deep-research engine: the
// run ledger and its lease semantics, the planner, the level executor,
// the hypothesis/discovery/reflection managers, the continuation
// decider, and the orchestrator loop that sequences them.
package research
