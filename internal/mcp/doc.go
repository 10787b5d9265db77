// Package mcp defines the MCP envelope exchanged between agents: a header
// carrying routing and correlation data, and a loosely typed payload. It
// provides a JSON wire form for HTTP ingress and a deterministic CBOR form for
// broker bridges.
package mcp
