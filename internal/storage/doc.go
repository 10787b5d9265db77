// Package storage persists conversation history outside the orchestrator.
//
// An Archive receives every envelope appended to a context and can list a
// context's history back, newest entries last. Drivers live in subpackages
// (mysql, redis); this package provides the interface, an in-memory archive
// and an append-only file archive.
package storage
