// Package api exposes the HTTP ingress of the message bus: envelope
// submission, context history lookup, health and metrics endpoints.
package api
