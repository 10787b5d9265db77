// Package redis archives conversation history in Redis lists so several bus
// processes can share recent context. Each context keeps its envelopes in a
// list plus a set of archived message ids used to drop duplicates.
package redis
