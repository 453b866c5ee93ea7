// Package evidence implements the tamper-evident evidence ledger.
//
// Every tenant owns an append-only chain of sealed records. Record n stores
// the SHA-256 of record n-1 in PrevHash (the first record stores GenesisHash),
// so altering any sealed field breaks either the record's own hash or the link
// from its successor. Contiguous ranges of a chain are periodically batched
// into Merkle trees, which allows a single leaf to be proven against a root
// without shipping the whole chain.
//
// The package is split into:
//   - Ledger: sealing, reads, exports.
//   - Sealer: Merkle batching.
//   - Verifier: online verification and VerifyBundle for offline bundles.
//   - Store: persistence, with MemoryStore and PostgresStore implementations.
package evidence
