package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
)

var (
	// ErrSnapshotCorrupted indicates a stored snapshot failed hash
	// verification. Restore never returns unverified data.
	ErrSnapshotCorrupted = errors.New("snapshot: content hash mismatch")

	// ErrNotFound indicates the snapshot does not exist.
	ErrNotFound = errors.New("snapshot: not found")
)

// AuditLog is the slice of the audit chain the store writes through.
type AuditLog interface {
	Append(ctx context.Context, eventType, actor, phase string, payload any) (*auditchain.Entry, error)
}

// Snapshot is an immutable capture of pipeline state at a phase boundary.
type Snapshot struct {
	// ID is the unique identifier for this snapshot.
	ID string `json:"id"`

	// RunID is the pipeline run this snapshot belongs to.
	RunID string `json:"run_id"`

	// Phase is the owning phase.
	Phase string `json:"phase"`

	// State is the serialized pipeline state.
	State json.RawMessage `json:"state"`

	// ContentHash is the SHA-256 hash over the snapshot content.
	ContentHash string `json:"content_hash"`

	// Supersedes links to the snapshot this one replaces, if any.
	Supersedes string `json:"supersedes,omitempty"`

	// CreatedAt is when this snapshot was created.
	CreatedAt time.Time `json:"created_at"`
}

// ComputeHash returns the SHA-256 content hash over all fields except
// ContentHash itself.
func (s *Snapshot) ComputeHash() string {
	hashable := struct {
		ID         string          `json:"id"`
		RunID      string          `json:"run_id"`
		Phase      string          `json:"phase"`
		State      json.RawMessage `json:"state"`
		Supersedes string          `json:"supersedes,omitempty"`
		CreatedAt  time.Time       `json:"created_at"`
	}{s.ID, s.RunID, s.Phase, s.State, s.Supersedes, s.CreatedAt}

	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveRequest carries the parameters for creating a snapshot.
type SaveRequest struct {
	RunID      string
	Phase      string
	State      json.RawMessage
	Supersedes string
}
