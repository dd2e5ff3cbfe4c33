// Package memory provides an in-process progress store and certificate ledger.
// It is used by the single-process "serve all" mode and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/issuer"
	"github.com/djlord-it/certpipe/internal/reconciler"
	"github.com/djlord-it/certpipe/internal/tracker"
)

type progressKey struct {
	learnerID string
	courseID  string
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	progress     map[progressKey]domain.ProgressRecord
	certificates map[string]domain.LedgerEntry
}

func New() *Store {
	return &Store{
		progress:     make(map[progressKey]domain.ProgressRecord),
		certificates: make(map[string]domain.LedgerEntry),
	}
}

func (s *Store) GetProgress(_ context.Context, learnerID, courseID string) (domain.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.progress[progressKey{learnerID, courseID}]
	if !ok {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *Store) PutProgress(_ context.Context, rec domain.ProgressRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{rec.LearnerID, rec.CourseID}
	if existing, ok := s.progress[key]; ok {
		if !rec.Supersedes(existing) {
			return false, nil
		}
		rec = rec.Merge(existing)
	}
	s.progress[key] = rec
	return true, nil
}

func (s *Store) PutIfAbsent(_ context.Context, cert domain.Certificate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certificates[cert.ID]; ok {
		return false, nil
	}
	s.certificates[cert.ID] = domain.LedgerEntry{Certificate: cert}
	return true, nil
}

func (s *Store) GetCertificate(_ context.Context, certificateID string) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.certificates[certificateID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

func (s *Store) MarkNotified(_ context.Context, certificateID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.certificates[certificateID]
	if !ok {
		return domain.ErrNotFound
	}
	if entry.NotifiedAt != nil {
		return nil
	}
	at = at.UTC()
	entry.NotifiedAt = &at
	s.certificates[certificateID] = entry
	return nil
}

func (s *Store) GetOrphanedCompletions(_ context.Context, olderThan time.Time, maxResults int) ([]domain.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.ProgressRecord
	for _, rec := range s.progress {
		if !rec.Completed() || !rec.UpdatedAt.Before(olderThan) {
			continue
		}
		entry, ok := s.certificates[domain.CertificateID(rec.LearnerID, rec.CourseID)]
		if ok && (entry.Notified() || !entry.Certificate.IssuedAt.Before(olderThan)) {
			continue
		}
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if maxResults > 0 && len(result) > maxResults {
		result = result[:maxResults]
	}
	return result, nil
}

// Certificates returns a snapshot of every ledger entry.
func (s *Store) Certificates() []domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(s.certificates))
	for _, e := range s.certificates {
		out = append(out, e)
	}
	return out
}

var (
	_ tracker.Store    = (*Store)(nil)
	_ issuer.Ledger    = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
