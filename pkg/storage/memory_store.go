package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// MemoryStore is a process-local DedupRegistry. Entries vanish with the process.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*DedupEntry         // digest -> entry
	bySession map[string]map[string]struct{} // session -> digests owned or referenced
	log       *logrus.Entry
}

// NewMemoryStore creates an empty in-memory registry
func NewMemoryStore(log *logrus.Entry) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*DedupEntry),
		bySession: make(map[string]map[string]struct{}),
		log:       log,
	}
}

func (s *MemoryStore) index(sessionID, digest string) {
	set, ok := s.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.bySession[sessionID] = set
	}
	set[digest] = struct{}{}
}

func (s *MemoryStore) unindex(sessionID, digest string) {
	if set, ok := s.bySession[sessionID]; ok {
		delete(set, digest)
		if len(set) == 0 {
			delete(s.bySession, sessionID)
		}
	}
}

// Lookup implements DedupRegistry
func (s *MemoryStore) Lookup(digest string) (*DedupEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[digest]
	if !ok {
		return nil, false, nil
	}
	c := e.clone()
	return &c, true, nil
}

// Register implements DedupRegistry
func (s *MemoryStore) Register(entry DedupEntry) (bool, error) {
	if entry.Digest == "" {
		return false, fmt.Errorf("%w: empty digest", utils.ErrDatabase)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Digest]; exists {
		return false, nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c := entry.clone()
	s.entries[entry.Digest] = &c
	s.index(entry.SessionID, entry.Digest)
	return true, nil
}

// AddReference implements DedupRegistry
func (s *MemoryStore) AddReference(digest, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[digest]
	if !ok {
		return fmt.Errorf("%w: digest %s not registered", utils.ErrDatabase, digest)
	}
	if e.SessionID == sessionID || e.hasReferrer(sessionID) {
		return nil
	}
	e.Referrers = append(e.Referrers, sessionID)
	s.index(sessionID, digest)
	return nil
}

// RemoveIf implements DedupRegistry
func (s *MemoryStore) RemoveIf(digest, storagePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[digest]
	if !ok || e.StoragePath != storagePath {
		return false, nil
	}
	s.unindex(e.SessionID, digest)
	for _, r := range e.Referrers {
		s.unindex(r, digest)
	}
	delete(s.entries, digest)
	return true, nil
}

// PurgeForSession implements DedupRegistry
func (s *MemoryStore) PurgeForSession(sessionID string) (PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PurgeResult
	for digest := range s.bySession[sessionID] {
		e, ok := s.entries[digest]
		if !ok {
			continue
		}
		if e.SessionID != sessionID {
			if e.dropReferrer(sessionID) {
				res.Released++
			}
			continue
		}
		if e.promoteReferrer() {
			res.Reassigned = append(res.Reassigned, e.clone())
			continue
		}
		res.Removed = append(res.Removed, e.clone())
		delete(s.entries, digest)
	}
	delete(s.bySession, sessionID)

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"removed":    len(res.Removed),
		"reassigned": len(res.Reassigned),
		"released":   res.Released,
	}).Debug("Purged dedup entries for session")
	return res, nil
}

// Count implements DedupRegistry
func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// RunGC implements DedupRegistry; the map needs no maintenance so it only waits for ctx
func (s *MemoryStore) RunGC(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

// Close implements DedupRegistry
func (s *MemoryStore) Close() error {
	return nil
}
