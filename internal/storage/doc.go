// Package storage provides a minimal persistence layer for the delivery
// audit log: one record per outbound notification attempt.
//
// Dedup state is deliberately NOT persisted; it is in-memory only and reset
// on every restart and rules rebuild.
package storage
