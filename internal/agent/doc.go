// Package agent defines the contract every processing agent implements to be
// attached to the message bus, plus shared helpers for building response and
// error envelopes addressed back to the originator.
package agent
