// Package mysql archives MCP envelopes in MySQL. It owns connection pooling,
// the embedded schema migrations, and the queries that append envelopes and
// read a conversation's history back.
package mysql
