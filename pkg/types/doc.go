// Package types defines the entity types, version vectors, queue and outbox
// records, configuration, and standard error values shared by the splitsync
// storage, cache, and synchronization packages.
//
// Ledger entities (Expense, Settlement) carry an embedded VersionVector used
// for optimistic concurrency. Friendship edges are addressed by deterministic
// ids so that writes from any caller converge on the same rows.
package types
