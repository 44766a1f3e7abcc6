package observability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Audit receives one event per enforcement decision. Sinks must not
// drop events silently; a sink error surfaces to the caller, which
// treats auditing as best-effort but logs the failure.
type Audit interface {
	Record(ctx context.Context, event contracts.AuditEvent) error
}

// ChainRecord is one audit event linked to its predecessor. Hash covers
// the JCS-canonical form of the event plus the previous hash, so any
// rewrite of history invalidates every later record.
type ChainRecord struct {
	Sequence uint64               `json:"sequence"`
	Event    contracts.AuditEvent `json:"event"`
	PrevHash string               `json:"prev_hash"`
	Hash     string               `json:"hash"`
}

const chainGenesis = "genesis"

// ChainLog is an append-only, hash-chained audit trail. Records are held
// in memory and optionally mirrored as JSONL to a writer (a file, a
// shipper pipe, stdout).
type ChainLog struct {
	mu       sync.RWMutex
	records  []ChainRecord
	headHash string
	sink     io.Writer
}

// NewChainLog creates an empty chain. sink may be nil.
func NewChainLog(sink io.Writer) *ChainLog {
	return &ChainLog{headHash: chainGenesis, sink: sink}
}

func (c *ChainLog) Record(ctx context.Context, event contracts.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := uint64(len(c.records)) + 1
	hash, err := chainHash(seq, event, c.headHash)
	if err != nil {
		return fmt.Errorf("audit: hash event: %w", err)
	}

	rec := ChainRecord{
		Sequence: seq,
		Event:    event,
		PrevHash: c.headHash,
		Hash:     hash,
	}

	if c.sink != nil {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("audit: marshal record: %w", err)
		}
		if _, err := c.sink.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("audit: write record: %w", err)
		}
	}

	c.records = append(c.records, rec)
	c.headHash = hash
	return nil
}

// Records returns a copy of the chain.
func (c *ChainLog) Records() []ChainRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChainRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Head returns the current head hash.
func (c *ChainLog) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}

// Verify walks the chain and reports the first broken link, or nil when
// every record hashes to its recorded value and links to its predecessor.
func (c *ChainLog) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prev := chainGenesis
	for i, rec := range c.records {
		if rec.PrevHash != prev {
			return fmt.Errorf("audit: record %d prev_hash mismatch", i+1)
		}
		want, err := chainHash(rec.Sequence, rec.Event, rec.PrevHash)
		if err != nil {
			return fmt.Errorf("audit: record %d: %w", i+1, err)
		}
		if rec.Hash != want {
			return fmt.Errorf("audit: record %d hash mismatch", i+1)
		}
		prev = rec.Hash
	}
	return nil
}

func chainHash(seq uint64, event contracts.AuditEvent, prevHash string) (string, error) {
	input := struct {
		Seq   uint64               `json:"seq"`
		Event contracts.AuditEvent `json:"event"`
		Prev  string               `json:"prev"`
	}{seq, event, prevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// NopAudit discards all events.
type NopAudit struct{}

func (NopAudit) Record(context.Context, contracts.AuditEvent) error { return nil }
