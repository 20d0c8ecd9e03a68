package engine

import (
	"sync"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
)

// JournalEntry is one committed step result. Identity is Seq; the latest
// entry for a (session, scope, check, event) tuple is authoritative.
type JournalEntry struct {
	Seq       int64
	SessionID string
	Scope     models.ScopePath
	CheckID   string
	Event     models.EventTrigger
	Result    *models.StepResult

	// RawOutput preserves the untransformed provider output for the
	// outputs_raw expression namespace.
	RawOutput any

	CommittedAt time.Time
}

// Journal is the append-only record of committed step results for a run.
// Commits never fail; readers work from snapshot tokens so a view is
// stable while later levels keep appending.
type Journal struct {
	mu      sync.RWMutex
	entries []*JournalEntry
	seq     int64
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Commit appends an entry with a fresh seq and returns it.
func (j *Journal) Commit(entry *JournalEntry) int64 {
	if entry == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry.Seq = j.seq
	entry.CommittedAt = time.Now()
	j.entries = append(j.entries, entry)
	return entry.Seq
}

// BeginSnapshot returns an opaque snapshot token (the current max seq).
func (j *Journal) BeginSnapshot() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Visible returns all entries up to the snapshot for the session. When
// event is non-empty, entries are filtered to that event plus entries
// committed without an explicit event.
func (j *Journal) Visible(sessionID string, snapshot int64, event models.EventTrigger) []*JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*JournalEntry
	for _, entry := range j.entries {
		if entry.Seq > snapshot {
			break
		}
		if entry.SessionID != sessionID {
			continue
		}
		if event != "" && entry.Event != "" && entry.Event != event {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Len returns the number of committed entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
