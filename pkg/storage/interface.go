package storage

import (
	"context"
	"time"
)

// DedupEntry records where the first copy of a piece of content lives
type DedupEntry struct {
	Digest      string    `json:"digest"`
	StoragePath string    `json:"storage_path"` // Relative to the downloads dir: "<session>/<file>"
	SessionID   string    `json:"session_id"`   // Owning session
	SourceURL   string    `json:"source_url"`   // URL that first produced these bytes
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type,omitempty"`
	Referrers   []string  `json:"referrers,omitempty"` // Other sessions holding duplicate references
	CreatedAt   time.Time `json:"created_at"`
}

// PurgeResult reports what PurgeForSession did
type PurgeResult struct {
	Removed    []DedupEntry // No longer referenced; stored bytes can be deleted
	Reassigned []DedupEntry // Ownership moved to a remaining referrer; bytes must stay
	Released   int          // Duplicate references dropped by the purged session
}

// DedupRegistry maps content digests to their first-seen storage location.
// Shared by all sessions in the process, so every method must be safe for concurrent use.
type DedupRegistry interface {
	// Lookup returns the entry for digest, if any
	Lookup(digest string) (*DedupEntry, bool, error)

	// Register inserts entry iff no entry exists for its digest.
	// Returns true only for the call that performed the insert.
	Register(entry DedupEntry) (bool, error)

	// AddReference records sessionID as a holder of a duplicate reference to digest.
	// Referenced entries survive the owner's purge.
	AddReference(digest, sessionID string) error

	// RemoveIf deletes the entry for digest only while it still points at storagePath,
	// so a copy registered by another session in the meantime survives.
	// Reports whether an entry was deleted.
	RemoveIf(digest, storagePath string) (bool, error)

	// PurgeForSession drops everything the session owns or references
	PurgeForSession(sessionID string) (PurgeResult, error)

	// Count returns the number of registered digests
	Count() (int, error)

	// RunGC performs periodic maintenance until ctx is done. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close releases underlying resources
	Close() error
}

// hasReferrer reports whether sessionID already holds a reference
func (e *DedupEntry) hasReferrer(sessionID string) bool {
	for _, r := range e.Referrers {
		if r == sessionID {
			return true
		}
	}
	return false
}

// dropReferrer removes sessionID from the referrer list and reports whether it was present
func (e *DedupEntry) dropReferrer(sessionID string) bool {
	for i, r := range e.Referrers {
		if r == sessionID {
			e.Referrers = append(e.Referrers[:i], e.Referrers[i+1:]...)
			return true
		}
	}
	return false
}

// promoteReferrer hands ownership to the oldest remaining referrer.
// Returns false when nobody else references the entry.
func (e *DedupEntry) promoteReferrer() bool {
	if len(e.Referrers) == 0 {
		return false
	}
	e.SessionID = e.Referrers[0]
	e.Referrers = append([]string(nil), e.Referrers[1:]...)
	return true
}

// clone returns a deep copy safe to hand out of a store
func (e DedupEntry) clone() DedupEntry {
	if e.Referrers != nil {
		e.Referrers = append([]string(nil), e.Referrers...)
	}
	return e
}
