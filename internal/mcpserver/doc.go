// Package mcpserver exposes the message bus to Model Context Protocol clients.
//
// Each tool is a small struct with a Definition that returns the tool schema
// and a Handle that turns the call into a bus operation. Tool failures are
// reported as tool results with IsError set, never as transport errors.
package mcpserver
