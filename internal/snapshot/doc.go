// Package snapshot provides the immutable, content-hashed state snapshot
// store used at phase boundaries. Snapshots are never mutated after
// creation; a retry for the same phase creates a new snapshot that links to
// the one it supersedes, preserving full history for replay and audit.
package snapshot
