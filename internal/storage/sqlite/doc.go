// Package sqlite archives envelopes in a local SQLite database using the
// pure Go modernc.org/sqlite driver.
package sqlite
