package auditchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Attest records a compliance attestation derived from the chain. The
// attestation is persisted to its own append-only file and mirrored as an
// audit entry so the chain itself proves the attestation was made.
func (c *Chain) Attest(ctx context.Context, attType, attester, scope, status string, findings []string) (*Attestation, error) {
	_, span := c.tracer.Start(ctx, "auditchain.attest")
	defer span.End()
	span.SetAttributes(
		attribute.String("type", attType),
		attribute.String("status", status),
	)

	att := &Attestation{
		ID:        uuid.New().String(),
		Type:      attType,
		Attester:  attester,
		Scope:     scope,
		Status:    status,
		Findings:  findings,
		CreatedAt: time.Now().UTC(),
	}
	att.Hash = attestationHash(att)

	line, err := json.Marshal(att)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to encode attestation: %w", err)
	}
	line = append(line, '\n')

	c.attMu.Lock()
	err = writeDurable(c.attFile, line)
	c.attMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if _, err := c.Append(ctx, "COMPLIANCE_ATTESTATION", attester, "", map[string]any{
		"attestation_id": att.ID,
		"type":           attType,
		"status":         status,
		"findings":       findings,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("recorded attestation",
		zap.String("id", att.ID),
		zap.String("type", attType),
		zap.String("status", status),
	)

	return att, nil
}

// Attestations returns all recorded attestations, optionally filtered by type.
func (c *Chain) Attestations(ctx context.Context, attType string) ([]*Attestation, error) {
	_, span := c.tracer.Start(ctx, "auditchain.attestations")
	defer span.End()

	lines, err := readLines(filepath.Join(c.dir, attestationFileName))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read attestation log: %w", err)
	}

	atts := make([]*Attestation, 0, len(lines))
	for _, line := range lines {
		var att Attestation
		if err := json.Unmarshal(line, &att); err != nil {
			continue
		}
		if attType != "" && att.Type != attType {
			continue
		}
		a := att
		atts = append(atts, &a)
	}
	return atts, nil
}

// BuildReport verifies the chain and returns the material for a compliance
// attestation document: head hash, range bounds, and the verification result.
func (c *Chain) BuildReport(ctx context.Context) (*Report, error) {
	valid, firstBroken, err := c.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}

	length, head := c.Head()
	return &Report{
		Length:      length,
		HeadHash:    head,
		Valid:       valid,
		FirstBroken: firstBroken,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func attestationHash(att *Attestation) string {
	hashable := struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		Attester  string    `json:"attester"`
		Scope     string    `json:"scope"`
		Status    string    `json:"status"`
		Findings  []string  `json:"findings,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}{att.ID, att.Type, att.Attester, att.Scope, att.Status, att.Findings, att.CreatedAt}

	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
