// Package audit implements the append-only, hash-linked, tamper-evident
// log of every security-relevant event in TIRS.
//
// Every entry carries the content hash of its predecessor; the first
// entry links to a fixed genesis constant. Appends are strictly ordered
// under one lock because sequence numbers and hash links must not race.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "TIRS-GENESIS"

// ErrChainTampered is returned when verification finds a hash mismatch,
// a broken link, or a sequence gap. Never silently repaired.
var ErrChainTampered = errors.New("audit chain tampered")

// EventKind tags what an audit entry records.
type EventKind string

const (
	KindIntentEvaluated EventKind = "intent_evaluated"
	KindIntentRejected  EventKind = "intent_rejected"
	KindEnforcement     EventKind = "enforcement_action"
	KindAppeal          EventKind = "appeal_decision"
	KindResurrection    EventKind = "resurrection"
	KindSnapshot        EventKind = "forensic_snapshot"
	KindChainTamper     EventKind = "chain_tamper_detected"
)

// Entry is one link in the chain. All hashed fields are plain values
// serialized in a fixed order, so the content hash is reproducible.
// Entries are never mutated after creation.
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"kind"`
	AgentID     string    `json:"agent_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	Data        string    `json:"data"` // opaque payload, pre-serialized by the caller
	PrevHash    string    `json:"prev_hash"`
	ContentHash string    `json:"content_hash"`
}

// hash computes the entry's content hash over every field except
// ContentHash itself, in fixed order.
func (e *Entry) hash() string {
	content := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Kind,
		e.AgentID,
		e.ActorID,
		e.Data,
		e.PrevHash,
	)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Store persists entries in append order and reloads them on startup.
type Store interface {
	Append(e Entry) error
	Load() ([]Entry, error)
	Close() error
}

// VerifyReport is the outcome of a full chain walk.
type VerifyReport struct {
	Valid    bool    `json:"valid"`
	Entries  int     `json:"entries"`
	BadEntry *uint64 `json:"bad_entry,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Chain is the tamper-evident audit log. All appends serialize through
// one mutex; reads copy out.
type Chain struct {
	mu      sync.Mutex
	store   Store
	entries []Entry
	nextSeq uint64
	tipHash string
}

// NewChain opens a chain over the given store, reloading any persisted
// entries in order and re-deriving the sequence counter and tail hash.
// A persisted chain that fails verification refuses to open.
func NewChain(store Store) (*Chain, error) {
	entries, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	c := &Chain{
		store:   store,
		entries: entries,
		tipHash: GenesisHash,
	}
	if n := len(entries); n > 0 {
		c.nextSeq = entries[n-1].Sequence + 1
		c.tipHash = entries[n-1].ContentHash
	}

	if report := c.verifyLocked(); !report.Valid {
		return nil, fmt.Errorf("%w: %s", ErrChainTampered, report.Reason)
	}

	slog.Info("[AuditChain] opened", "entries", len(entries), "next_sequence", c.nextSeq)
	return c, nil
}

// Append atomically links, hashes, persists, and retains a new entry.
// The entry is durable before Append returns: audit completeness is a
// correctness property, not best-effort.
func (c *Chain) Append(kind EventKind, agentID, actorID, data string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{
		Sequence:  c.nextSeq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		AgentID:   agentID,
		ActorID:   actorID,
		Data:      data,
		PrevHash:  c.tipHash,
	}
	e.ContentHash = e.hash()

	if err := c.store.Append(e); err != nil {
		return Entry{}, fmt.Errorf("persist audit entry %d: %w", e.Sequence, err)
	}

	c.entries = append(c.entries, e)
	c.nextSeq++
	c.tipHash = e.ContentHash
	return e, nil
}

// Verify walks the full chain and reports the first defect found: a
// recomputed hash that differs from the stored one, a prev-hash that
// does not match the prior entry's content hash, or a sequence gap.
func (c *Chain) Verify() VerifyReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyLocked()
}

func (c *Chain) verifyLocked() VerifyReport {
	return VerifyEntries(c.entries)
}

// VerifyEntries walks any ordered entry sequence (in-memory or freshly
// loaded from a store) and reports the first defect.
func VerifyEntries(entries []Entry) VerifyReport {
	prevHash := GenesisHash
	var prevSeq uint64

	for i := range entries {
		e := &entries[i]

		if i == 0 {
			prevSeq = e.Sequence
		} else if e.Sequence != prevSeq+1 {
			return invalid(e.Sequence, fmt.Sprintf("sequence gap: %d follows %d", e.Sequence, prevSeq))
		} else {
			prevSeq = e.Sequence
		}

		if e.PrevHash != prevHash {
			return invalid(e.Sequence, fmt.Sprintf("broken link at %d: prev_hash mismatch", e.Sequence))
		}
		if recomputed := e.hash(); recomputed != e.ContentHash {
			return invalid(e.Sequence, fmt.Sprintf("content hash mismatch at %d", e.Sequence))
		}
		prevHash = e.ContentHash
	}

	return VerifyReport{Valid: true, Entries: len(entries)}
}

func invalid(seq uint64, reason string) VerifyReport {
	bad := seq
	return VerifyReport{Valid: false, BadEntry: &bad, Reason: reason}
}

// Head returns the current tip: next sequence number and tail hash.
func (c *Chain) Head() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq, c.tipHash
}

// Entries returns a copy of the in-memory chain, newest last. limit <= 0
// returns everything.
func (c *Chain) Entries(limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.entries) {
		limit = len(c.entries)
	}
	out := make([]Entry, limit)
	copy(out, c.entries[len(c.entries)-limit:])
	return out
}

// Close releases the underlying store.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}
