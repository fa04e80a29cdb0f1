package auditchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/governd/internal/auditchain"

const (
	logFileName         = "audit.jsonl"
	attestationFileName = "attestations.jsonl"
	quarantineFileName  = "audit.quarantine.jsonl"

	// writeAttempts bounds durable-write retries. Only the write itself is
	// retried; a still-failing write surfaces as ErrPersistence.
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

// Chain is the append-only, hash-linked audit log. A single Chain instance
// owns its log file; Append serializes all writers so the chain is a strict
// total order even under concurrent producers.
type Chain struct {
	dir     string
	file    *os.File
	attFile *os.File
	logger  *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	appendCounter metric.Int64Counter

	mu       sync.Mutex
	lastHash string
	nextSeq  uint64
	flagged  int

	attMu sync.Mutex
}

// Open opens or creates the audit chain in dir, recovering the last known
// good hash from any existing log. Corrupted trailing entries are skipped
// and flagged; a non-empty log with no valid entry at all is
// ErrChainUnrecoverable.
func Open(dir string, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	logPath := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	attFile, err := os.OpenFile(filepath.Join(dir, attestationFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open attestation log: %w", err)
	}

	c := &Chain{
		dir:     dir,
		file:    file,
		attFile: attFile,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	c.initMetrics()

	if err := c.recover(logPath); err != nil {
		file.Close()
		attFile.Close()
		return nil, err
	}

	logger.Info("audit chain opened",
		zap.String("dir", dir),
		zap.Uint64("entries", c.nextSeq),
		zap.Int("flagged", c.flagged),
	)

	return c, nil
}

func (c *Chain) initMetrics() {
	var err error

	c.appendCounter, err = c.meter.Int64Counter(
		"governd.auditchain.appends_total",
		metric.WithDescription("Total audit entries appended, labeled by event type"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create append counter", zap.Error(err))
	}
}

// recover scans the log tail backward for the last entry that passes JSON
// and content-hash validation, and resumes chaining from it. Flagged tail
// lines are moved to a quarantine file and truncated from the live log, so
// the log holds exactly the verified prefix and new appends land directly
// after the anchor.
func (c *Chain) recover(logPath string) error {
	data, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	lines, ends := splitLines(data)
	if len(lines) == 0 {
		c.lastHash = GenesisHash
		c.nextSeq = 0
		return nil
	}

	anchor := -1
	for i := len(lines) - 1; i >= 0; i-- {
		var entry Entry
		if err := json.Unmarshal(lines[i], &entry); err != nil {
			c.flagged++
			c.logger.Warn("flagging structurally invalid audit entry", zap.Int("line", i))
			continue
		}
		if entry.ComputeHash() != entry.EntryHash {
			c.flagged++
			c.logger.Warn("flagging audit entry with hash mismatch",
				zap.Int("line", i),
				zap.Uint64("seq", entry.Seq),
			)
			continue
		}

		anchor = i
		c.lastHash = entry.EntryHash
		c.nextSeq = entry.Seq + 1
		break
	}
	if anchor < 0 {
		return fmt.Errorf("%w: %d entries scanned", ErrChainUnrecoverable, len(lines))
	}

	if c.flagged > 0 {
		if err := c.quarantine(lines[anchor+1:]); err != nil {
			return err
		}
		if err := c.file.Truncate(ends[anchor]); err != nil {
			return fmt.Errorf("failed to truncate corrupt audit tail: %w", err)
		}
	}
	return nil
}

// quarantine preserves flagged lines for forensics before they are truncated
// out of the live log.
func (c *Chain) quarantine(lines [][]byte) error {
	f, err := os.OpenFile(filepath.Join(c.dir, quarantineFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open quarantine file: %w", err)
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to quarantine corrupt audit entry: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync quarantine file: %w", err)
	}
	return nil
}

// Append creates, hashes, and durably writes a new entry. The entry is only
// committed once the write is flushed to stable storage; an unconfirmed
// write returns ErrPersistence and leaves the chain state unchanged.
func (c *Chain) Append(ctx context.Context, eventType, actor, phase string, payload any) (*Entry, error) {
	_, span := c.tracer.Start(ctx, "auditchain.append")
	defer span.End()
	span.SetAttributes(attribute.String("event_type", eventType))

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Seq:       c.nextSeq,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Phase:     phase,
		Payload:   raw,
		PrevHash:  c.lastHash,
	}
	entry.EntryHash = entry.ComputeHash()

	line, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	if err := writeDurable(c.file, line); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("audit append not durable",
			zap.String("event_type", eventType),
			zap.Uint64("seq", entry.Seq),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	c.lastHash = entry.EntryHash
	c.nextSeq++

	if c.appendCounter != nil {
		c.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", eventType),
		))
	}

	span.SetAttributes(attribute.Int64("seq", int64(entry.Seq)))
	return entry, nil
}

// writeDurable appends line and fsyncs, retrying the write a bounded number
// of times. Partial bytes from a failed attempt are truncated away before
// retrying so a retry cannot duplicate or interleave entries.
func writeDurable(f *os.File, line []byte) error {
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		offset, err := f.Seek(0, 2)
		if err != nil {
			lastErr = err
			time.Sleep(writeBackoff * time.Duration(attempt))
			continue
		}

		if _, err := f.Write(line); err != nil {
			lastErr = err
			// Best effort removal of the partial tail; recovery skips it anyway.
			_ = f.Truncate(offset)
			time.Sleep(writeBackoff * time.Duration(attempt))
			continue
		}

		if err := f.Sync(); err != nil {
			lastErr = err
			_ = f.Truncate(offset)
			time.Sleep(writeBackoff * time.Duration(attempt))
			continue
		}

		return nil
	}
	return lastErr
}

// VerifyChain walks the full sequence and confirms previous-hash linkage and
// each entry's own content hash. It returns (true, -1) for a valid chain, or
// (false, index) of the first entry where either check fails.
func (c *Chain) VerifyChain(ctx context.Context) (bool, int, error) {
	_, span := c.tracer.Start(ctx, "auditchain.verify")
	defer span.End()

	lines, err := c.durableLines()
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}

	prev := GenesisHash
	for i, line := range lines {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return false, i, nil
		}
		if entry.Seq != uint64(i) {
			return false, i, nil
		}
		if entry.PrevHash != prev {
			return false, i, nil
		}
		if entry.ComputeHash() != entry.EntryHash {
			return false, i, nil
		}
		prev = entry.EntryHash
	}

	span.SetAttributes(attribute.Int("entries", len(lines)))
	return true, -1, nil
}

// ReadRange returns entries with from <= seq < to. A to of zero means read
// to the end of the chain. Reads proceed concurrently with appends but never
// observe an entry that has not been confirmed durable.
func (c *Chain) ReadRange(ctx context.Context, from, to uint64) ([]*Entry, error) {
	_, span := c.tracer.Start(ctx, "auditchain.read_range")
	defer span.End()

	c.mu.Lock()
	durable := c.nextSeq
	c.mu.Unlock()

	if to == 0 || to > durable {
		to = durable
	}
	if from > to {
		return nil, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRange, from, to)
	}

	lines, err := readLines(filepath.Join(c.dir, logFileName))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	entries := make([]*Entry, 0, to-from)
	for _, line := range lines {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Flagged or in-flight tail; not part of the durable chain.
			continue
		}
		if entry.Seq >= from && entry.Seq < to {
			e := entry
			entries = append(entries, &e)
		}
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// durableLines returns log lines up to the durable head.
func (c *Chain) durableLines() ([][]byte, error) {
	c.mu.Lock()
	durable := c.nextSeq
	c.mu.Unlock()

	lines, err := readLines(filepath.Join(c.dir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	if uint64(len(lines)) > durable {
		lines = lines[:durable]
	}
	return lines, nil
}

// Head returns the next sequence number and the current head hash.
func (c *Chain) Head() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq, c.lastHash
}

// Flagged returns the number of entries skipped during startup recovery.
func (c *Chain) Flagged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagged
}

// Close closes the underlying log files.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.file.Close(); err != nil {
		c.attFile.Close()
		return err
	}
	return c.attFile.Close()
}

// readLines splits a file into non-empty lines.
func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// splitLines splits data into non-empty lines and, for each, the byte offset
// just past it (including its newline).
func splitLines(data []byte) ([][]byte, []int64) {
	var lines [][]byte
	var ends []int64
	var offset int64
	for _, piece := range bytes.SplitAfter(data, []byte{'\n'}) {
		offset += int64(len(piece))
		if line := bytes.TrimSpace(piece); len(line) > 0 {
			lines = append(lines, line)
			ends = append(ends, offset)
		}
	}
	return lines, ends
}
