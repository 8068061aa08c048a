package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const maxNameAttempts = 100

// FileStore keeps downloaded bytes under <baseDir>/<sessionID>/<file>.
// Every path it touches is checked to stay inside its session directory.
type FileStore struct {
	baseDir string
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string]chan struct{} // Reserved by Create, not yet written or removed
}

// NewFileStore creates the base directory if needed
func NewFileStore(baseDir string, log *logrus.Entry) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving downloads dir %s: %w", utils.ErrFilesystem, baseDir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating downloads dir %s: %w", utils.ErrFilesystem, abs, err)
	}
	return &FileStore{baseDir: abs, log: log, pending: make(map[string]chan struct{})}, nil
}

// BaseDir returns the absolute downloads root
func (s *FileStore) BaseDir() string { return s.baseDir }

// SessionDir returns the absolute directory for a session, rejecting ids that are not plain names
func (s *FileStore) SessionDir(sessionID string) (string, error) {
	if sessionID == "" || utils.SanitizeFilename(sessionID) != sessionID {
		return "", fmt.Errorf("%w: invalid session id %q", utils.ErrUnsafePath, sessionID)
	}
	return filepath.Join(s.baseDir, sessionID), nil
}

// within reports whether target is dir itself or below it
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Resolve maps a session id and file name to an absolute path for retrieval.
// Names that are not already safe single components are rejected rather than rewritten.
func (s *FileStore) Resolve(sessionID, name string) (string, error) {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if name == "" || utils.SanitizeFilename(name) != name {
		return "", fmt.Errorf("%w: invalid file name %q", utils.ErrUnsafePath, name)
	}
	target := filepath.Join(dir, name)
	if !within(dir, target) || target == dir {
		return "", fmt.Errorf("%w: %q", utils.ErrUnsafePath, name)
	}
	return target, nil
}

// resolveRel maps a stored "<session>/<file>" reference to an absolute path
func (s *FileStore) resolveRel(rel string) (string, error) {
	sessionID, name, ok := strings.Cut(rel, "/")
	if !ok {
		return "", fmt.Errorf("%w: malformed storage path %q", utils.ErrUnsafePath, rel)
	}
	return s.Resolve(sessionID, name)
}

// Create reserves a unique file for name inside the session directory and returns its
// storage reference. The name is rewritten through SanitizeFilename; on collision a
// numeric suffix is added before the extension.
func (s *FileStore) Create(sessionID, name string) (string, error) {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating session dir %s: %w", utils.ErrFilesystem, dir, err)
	}

	safe := utils.SanitizeFilename(name)
	ext := path.Ext(safe)
	stem := strings.TrimSuffix(safe, ext)
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := safe
		if attempt > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, attempt+1, ext)
		}
		target := filepath.Join(dir, candidate)
		if !within(dir, target) {
			return "", fmt.Errorf("%w: %q", utils.ErrUnsafePath, name)
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, target, err)
		}
		f.Close()
		rel := sessionID + "/" + candidate
		s.mu.Lock()
		s.pending[rel] = make(chan struct{})
		s.mu.Unlock()
		return rel, nil
	}
	return "", fmt.Errorf("%w: no free file name for %q after %d attempts", utils.ErrFilesystem, safe, maxNameAttempts)
}

// Write stores data at a reference previously returned by Create. A failed write
// leaves the reservation pending until Remove releases it.
func (s *FileStore) Write(rel string, data []byte) error {
	target, err := s.resolveRel(rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, target, err)
	}
	s.settle(rel)
	return nil
}

// Remove deletes a stored file; missing files are not an error
func (s *FileStore) Remove(rel string) error {
	target, err := s.resolveRel(rel)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	s.settle(rel)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %w", utils.ErrFilesystem, target, err)
	}
	return nil
}

// settle wakes everyone waiting in Ready on rel
func (s *FileStore) settle(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[rel]; ok {
		close(ch)
		delete(s.pending, rel)
	}
}

// Ready waits until a reservation made by Create is written or released, then
// reports whether the bytes are on disk. References with no pending write are
// checked immediately.
func (s *FileStore) Ready(ctx context.Context, rel string) (bool, error) {
	s.mu.Lock()
	ch := s.pending[rel]
	s.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.Exists(rel), nil
}

// Exists reports whether a stored reference still has its bytes on disk
func (s *FileStore) Exists(rel string) bool {
	target, err := s.resolveRel(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}

// Stat returns file info for a retrieval request
func (s *FileStore) Stat(sessionID, name string) (string, os.FileInfo, error) {
	target, err := s.Resolve(sessionID, name)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	return target, info, nil
}

// PruneSessionDir removes the session directory if nothing is left in it.
// Returns true when the directory is gone.
func (s *FileStore) PruneSessionDir(sessionID string) bool {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return false
	}
	if err := os.Remove(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		s.log.WithField("session_id", sessionID).Debugf("Session dir kept: %v", err)
		return false
	}
	return true
}
