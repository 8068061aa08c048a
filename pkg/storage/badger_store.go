package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/log"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const (
	digestKeyPrefix  = "digest:"   // digest:<hex> -> JSON DedupEntry
	sessionKeyPrefix = "sess:"     // sess:<session>:<hex> -> empty, index of owned and referenced digests
	dedupDBDir       = "dedup_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements DedupRegistry on BadgerDB so dedup state survives restarts
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached digest count for O(1) Count
}

// NewBadgerStore opens (or creates) the dedup database under stateDir
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, dedupDBDir)
	logger.Infof("Initializing dedup database at: %s", dbPath)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := store.countDigests()
	if err != nil {
		logger.Warnf("Failed to count existing dedup entries: %v", err)
	} else {
		store.keyCount.Store(int64(count))
		logger.Infof("Dedup database ready with %d entries", count)
	}
	return store, nil
}

func digestKey(digest string) []byte { return []byte(digestKeyPrefix + digest) }

func sessionKey(sessionID, digest string) []byte {
	return []byte(sessionKeyPrefix + sessionID + ":" + digest)
}

// countDigests performs a one-time key-only scan at open.
func (s *BadgerStore) countDigests() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(digestKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Two sessions registering the same digest conflict on the digest key; the retry
// re-reads it and observes the winner's entry.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// getEntry reads and decodes an entry inside txn; returns nil when absent
func getEntry(txn *badger.Txn, digest string) (*DedupEntry, error) {
	item, err := txn.Get(digestKey(digest))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry DedupEntry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, fmt.Errorf("%w: decoding entry %s: %w", utils.ErrParsing, digest, err)
	}
	return &entry, nil
}

func putEntry(txn *badger.Txn, entry *DedupEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(digestKey(entry.Digest), data)
}

// Lookup implements DedupRegistry
func (s *BadgerStore) Lookup(digest string) (*DedupEntry, bool, error) {
	var found *DedupEntry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := getEntry(txn, digest)
		found = e
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: lookup %s: %w", utils.ErrDatabase, digest, err)
	}
	return found, found != nil, nil
}

// Register implements DedupRegistry
func (s *BadgerStore) Register(entry DedupEntry) (bool, error) {
	if entry.Digest == "" {
		return false, fmt.Errorf("%w: empty digest", utils.ErrDatabase)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	inserted := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		inserted = false
		existing, err := getEntry(txn, entry.Digest)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := putEntry(txn, &entry); err != nil {
			return err
		}
		if err := txn.Set(sessionKey(entry.SessionID, entry.Digest), []byte{}); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		s.log.WithField("digest", entry.Digest).Errorf("DB Update error in Register: %v", err)
		return false, fmt.Errorf("%w: registering %s: %w", utils.ErrDatabase, entry.Digest, err)
	}
	if inserted {
		s.keyCount.Add(1)
	}
	return inserted, nil
}

// AddReference implements DedupRegistry
func (s *BadgerStore) AddReference(digest, sessionID string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		e, err := getEntry(txn, digest)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("digest %s not registered", digest)
		}
		if e.SessionID == sessionID || e.hasReferrer(sessionID) {
			return nil
		}
		e.Referrers = append(e.Referrers, sessionID)
		if err := putEntry(txn, e); err != nil {
			return err
		}
		return txn.Set(sessionKey(sessionID, digest), []byte{})
	})
	if err != nil {
		return fmt.Errorf("%w: adding reference to %s: %w", utils.ErrDatabase, digest, err)
	}
	return nil
}

// RemoveIf implements DedupRegistry
func (s *BadgerStore) RemoveIf(digest, storagePath string) (bool, error) {
	removed := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		removed = false
		e, err := getEntry(txn, digest)
		if err != nil || e == nil || e.StoragePath != storagePath {
			return err
		}
		for _, sid := range append([]string{e.SessionID}, e.Referrers...) {
			if err := txn.Delete(sessionKey(sid, digest)); err != nil {
				return err
			}
		}
		removed = true
		return txn.Delete(digestKey(digest))
	})
	if err != nil {
		return false, fmt.Errorf("%w: removing %s: %w", utils.ErrDatabase, digest, err)
	}
	if removed {
		s.keyCount.Add(-1)
	}
	return removed, nil
}

// sessionDigests lists the digests indexed under a session
func (s *BadgerStore) sessionDigests(sessionID string) ([]string, error) {
	prefix := []byte(sessionKeyPrefix + sessionID + ":")
	var digests []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			digests = append(digests, string(bytes.TrimPrefix(key, prefix)))
		}
		return nil
	})
	return digests, err
}

// PurgeForSession implements DedupRegistry
func (s *BadgerStore) PurgeForSession(sessionID string) (PurgeResult, error) {
	var res PurgeResult
	digests, err := s.sessionDigests(sessionID)
	if err != nil {
		return res, fmt.Errorf("%w: listing digests for session %s: %w", utils.ErrDatabase, sessionID, err)
	}

	for _, digest := range digests {
		var outcome string
		var snapshot DedupEntry
		err := s.dbUpdate(func(txn *badger.Txn) error {
			outcome = ""
			if err := txn.Delete(sessionKey(sessionID, digest)); err != nil {
				return err
			}
			e, err := getEntry(txn, digest)
			if err != nil || e == nil {
				return err
			}
			switch {
			case e.SessionID != sessionID:
				if e.dropReferrer(sessionID) {
					outcome = "released"
					return putEntry(txn, e)
				}
				return nil
			case e.promoteReferrer():
				outcome = "reassigned"
				snapshot = e.clone()
				return putEntry(txn, e)
			default:
				outcome = "removed"
				snapshot = e.clone()
				return txn.Delete(digestKey(digest))
			}
		})
		if err != nil {
			return res, fmt.Errorf("%w: purging %s for session %s: %w", utils.ErrDatabase, digest, sessionID, err)
		}
		switch outcome {
		case "released":
			res.Released++
		case "reassigned":
			res.Reassigned = append(res.Reassigned, snapshot)
		case "removed":
			res.Removed = append(res.Removed, snapshot)
			s.keyCount.Add(-1)
		}
	}

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"removed":    len(res.Removed),
		"reassigned": len(res.Reassigned),
		"released":   res.Released,
	}).Info("Purged dedup entries for session")
	return res, nil
}

// Count implements DedupRegistry
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Rewrite while at least half of a value log file is reclaimable
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Close implements DedupRegistry
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing dedup DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing dedup DB: %v", err)
			return err
		}
		return nil
	}
	return nil
}
