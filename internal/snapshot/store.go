package snapshot

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/governd/internal/snapshot"

// Store persists content-hashed snapshots, one file per snapshot. Reads
// always go to disk: verification must see the stored bytes, so nothing is
// cached in memory where tampering with the file could go unnoticed.
type Store struct {
	dir    string
	audit  AuditLog
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
}

// NewStore creates a snapshot store rooted at dir. Every save and every
// corruption finding is logged to the audit chain.
func NewStore(dir string, audit AuditLog, logger *zap.Logger) (*Store, error) {
	if audit == nil {
		return nil, errors.New("audit log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		audit:  audit,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *Store) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"governd.snapshot.saves_total",
		metric.WithDescription("Total snapshots saved, labeled by phase"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}
}

// Save computes the content hash, persists the snapshot atomically, and
// writes an audit entry. The snapshot is immutable from this point on.
func (s *Store) Save(ctx context.Context, req *SaveRequest) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("phase", req.Phase),
	)

	snap := &Snapshot{
		ID:         uuid.New().String(),
		RunID:      req.RunID,
		Phase:      req.Phase,
		State:      req.State,
		Supersedes: req.Supersedes,
		CreatedAt:  time.Now().UTC(),
	}
	snap.ContentHash = snap.ComputeHash()

	if err := s.writeFile(snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if _, err := s.audit.Append(ctx, "SNAPSHOT_CREATED", "system", snap.Phase, map[string]any{
		"snapshot_id":  snap.ID,
		"run_id":       snap.RunID,
		"content_hash": snap.ContentHash,
		"supersedes":   snap.Supersedes,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit snapshot: %w", err)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", snap.Phase),
		))
	}

	s.logger.Info("saved snapshot",
		zap.String("id", snap.ID),
		zap.String("run_id", snap.RunID),
		zap.String("phase", snap.Phase),
	)

	span.SetAttributes(attribute.String("snapshot_id", snap.ID))
	return snap, nil
}

// writeFile persists a snapshot with an atomic temp-file-and-rename so no
// reader can observe a partial snapshot.
func (s *Store) writeFile(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	finalPath := s.path(snap.ID)
	tmpPath := finalPath + ".tmp." + randomSuffix()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return nil
}

// Get retrieves a snapshot by ID. The hash is recomputed and compared on
// every read; a mismatch is ErrSnapshotCorrupted, never silently accepted.
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.get")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot_id", id))

	snap, err := s.load(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if snap.ComputeHash() != snap.ContentHash {
		s.auditCorruption(ctx, snap)
		span.SetStatus(codes.Error, ErrSnapshotCorrupted.Error())
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupted, id)
	}

	return snap, nil
}

// Verify recomputes the stored hash and compares it.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.verify")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot_id", id))

	snap, err := s.load(id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if snap.ComputeHash() != snap.ContentHash {
		s.auditCorruption(ctx, snap)
		return false, nil
	}
	return true, nil
}

// Restore returns the deserialized state only if verification passes.
func (s *Store) Restore(ctx context.Context, id string) (json.RawMessage, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap.State, nil
}

// History walks the supersedes links from the given snapshot back to the
// first capture for its phase, newest first.
func (s *Store) History(ctx context.Context, id string) ([]*Snapshot, error) {
	var history []*Snapshot
	for id != "" {
		snap, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		history = append(history, snap)
		id = snap.Supersedes
	}
	return history, nil
}

// load reads a snapshot's stored bytes without verifying them.
func (s *Store) load(id string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupted, id)
	}

	return &snap, nil
}

func (s *Store) auditCorruption(ctx context.Context, snap *Snapshot) {
	s.logger.Error("snapshot failed verification",
		zap.String("id", snap.ID),
		zap.String("phase", snap.Phase),
	)
	if _, err := s.audit.Append(ctx, "SNAPSHOT_CORRUPTED", "system", snap.Phase, map[string]any{
		"snapshot_id": snap.ID,
		"run_id":      snap.RunID,
	}); err != nil {
		s.logger.Error("failed to audit snapshot corruption", zap.Error(err))
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "snapshot_"+id+".json")
}

func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
