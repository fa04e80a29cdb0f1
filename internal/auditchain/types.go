package auditchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// GenesisHash is the previous-hash value of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrPersistence indicates an append could not be confirmed durable.
	// The caller must treat the entry as not committed.
	ErrPersistence = errors.New("auditchain: write not confirmed durable")

	// ErrChainUnrecoverable indicates startup recovery found no valid anchor
	// in a non-empty log. Operator intervention is required.
	ErrChainUnrecoverable = errors.New("auditchain: no valid anchor found")

	// ErrInvalidRange indicates a read range with from > to.
	ErrInvalidRange = errors.New("auditchain: invalid read range")
)

// Entry is a single immutable audit record. Every field participates in the
// content hash except EntryHash itself, so an entry is self-verifying without
// any index file.
type Entry struct {
	// Seq is the monotonically increasing sequence number, starting at 0.
	Seq uint64 `json:"seq"`

	// EventType categorizes the event (PHASE_START, HRG_ESCALATED, ...).
	EventType string `json:"event_type"`

	// Timestamp is when the entry was created.
	Timestamp time.Time `json:"timestamp"`

	// Actor is who performed the action (system or a named reviewer).
	Actor string `json:"actor"`

	// Phase is the owning pipeline phase, if any.
	Phase string `json:"phase,omitempty"`

	// Payload is arbitrary structured event data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// PrevHash is the EntryHash of the preceding entry, or GenesisHash.
	PrevHash string `json:"prev_hash"`

	// EntryHash is the SHA-256 content hash of this entry.
	EntryHash string `json:"entry_hash"`
}

// ComputeHash returns the SHA-256 content hash over all fields except
// EntryHash. Field order is fixed by the struct definition, so the encoding
// is canonical.
func (e *Entry) ComputeHash() string {
	hashable := struct {
		Seq       uint64          `json:"seq"`
		EventType string          `json:"event_type"`
		Timestamp time.Time       `json:"timestamp"`
		Actor     string          `json:"actor"`
		Phase     string          `json:"phase,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		PrevHash  string          `json:"prev_hash"`
	}{e.Seq, e.EventType, e.Timestamp, e.Actor, e.Phase, e.Payload, e.PrevHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		// Marshal of plain values cannot fail; keep the hash well-defined anyway.
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Attestation is a signed-off compliance statement derived from the chain.
type Attestation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Attester  string    `json:"attester"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	Findings  []string  `json:"findings,omitempty"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Report summarizes chain state for a compliance attestation document.
type Report struct {
	Length      uint64    `json:"length"`
	HeadHash    string    `json:"head_hash"`
	Valid       bool      `json:"valid"`
	FirstBroken int       `json:"first_broken_index"`
	GeneratedAt time.Time `json:"generated_at"`
}
