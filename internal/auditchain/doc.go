// Package auditchain implements the hash-linked append-only audit log that
// anchors every governed state transition. Entries are chained by SHA-256:
// each entry carries the hash of its predecessor plus its own content hash,
// so any after-the-fact mutation is detectable by an external verifier
// without trusting the running process.
package auditchain
