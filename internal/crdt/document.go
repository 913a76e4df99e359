// Package crdt implements the shared-state document replicated into
// every cage of a pool: a last-writer-wins map keyed by string, with
// logical timestamps and replica identity as the tiebreak. Merge is
// commutative, associative and idempotent, so deltas converge no matter
// the delivery order.
package crdt

import "sync"

// Value is one register of the document.
type Value struct {
	Data string
	// Timestamp is a lamport clock shared across the pool's replicas.
	Timestamp uint64
	// Origin is the writing replica's identity, breaking timestamp ties.
	Origin string
}

// wins reports whether v supersedes cur under the merge rule.
func (v Value) wins(cur Value) bool {
	if v.Timestamp != cur.Timestamp {
		return v.Timestamp > cur.Timestamp
	}
	return v.Origin > cur.Origin
}

// Change is one key update shipped between replicas during sync.
type Change struct {
	Key string
	Val Value
}

// Document is one replica of a pool's shared state. A cage writes only
// to its own document; the sync coordinator moves changes between them.
type Document struct {
	mu      sync.RWMutex
	origin  string
	clock   uint64
	entries map[string]Value
	// changes accumulated since the last collect, in write order.
	changes []Change
}

func NewDocument(origin string) *Document {
	return &Document{
		origin:  origin,
		entries: make(map[string]Value),
	}
}

func (d *Document) Origin() string {
	return d.origin
}

// Set writes a key locally. The write is visible to local reads
// immediately and shipped to the rest of the pool on the next sync round.
func (d *Document) Set(key, data string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++
	val := Value{
		Data:      data,
		Timestamp: d.clock,
		Origin:    d.origin,
	}
	d.entries[key] = val
	d.changes = append(d.changes, Change{Key: key, Val: val})
}

func (d *Document) Get(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	val, ok := d.entries[key]
	return val.Data, ok
}

func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// CollectChanges drains the local change log.
func (d *Document) CollectChanges() []Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.changes) == 0 {
		return nil
	}
	out := d.changes
	d.changes = nil
	return out
}

// PendingChanges reports how many local writes await the next sync round.
func (d *Document) PendingChanges() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.changes)
}

// Apply merges remote changes into this replica. Changes that lose to the
// local value are dropped; the number of such resolved conflicts is
// returned for observability, a conflict is never an error. Applied
// changes are not re-added to the local change log: distribution is the
// coordinator's job, so deltas are not gossiped transitively.
func (d *Document) Apply(changes []Change) (applied, conflicts int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range changes {
		if ch.Val.Timestamp > d.clock {
			d.clock = ch.Val.Timestamp
		}
		cur, exists := d.entries[ch.Key]
		if exists && !ch.Val.wins(cur) {
			if cur != ch.Val {
				conflicts++
			}
			continue
		}
		if exists {
			conflicts++
		}
		d.entries[ch.Key] = ch.Val
		applied++
	}
	return applied, conflicts
}

// Snapshot returns the full document as a change set, for replicas that
// start empty and cannot be caught up by deltas alone.
func (d *Document) Snapshot() []Change {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Change, 0, len(d.entries))
	for key, val := range d.entries {
		out = append(out, Change{Key: key, Val: val})
	}
	return out
}
