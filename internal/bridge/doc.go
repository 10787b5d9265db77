// Package bridge connects the in-process orchestrator to external brokers.
//
// A Consumer receives binary-encoded envelopes from a broker and hands them
// to a Handler, usually one that routes into an orchestrator. A Producer
// publishes envelopes addressed to agents living in other processes; the
// RemoteAgent type adapts a Producer into an orchestrator handler.
package bridge
