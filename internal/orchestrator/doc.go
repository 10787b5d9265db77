// Package orchestrator implements the in-process agent message bus: a
// registry of addressable handlers, a priority-ordered dispatch queue,
// per-conversation context tracking and the single dispatch loop that ties
// them together.
package orchestrator
