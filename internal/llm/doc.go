// Package llm contains adapters for invoking large language models from
// agents. It hides provider-specific APIs behind a single Generate call so
// agents can fall back to deterministic behaviour when no provider is set.
package llm
