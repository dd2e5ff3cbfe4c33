package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/issuer"
	"github.com/djlord-it/certpipe/internal/reconciler"
	"github.com/djlord-it/certpipe/internal/tracker"
)

// Store implements the progress store and certificate ledger using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. opTimeout bounds every query; zero disables it.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, querySchema)
	return err
}

// GetProgress returns the progress record for a learner and course.
// Returns domain.ErrNotFound if none exists.
func (s *Store) GetProgress(ctx context.Context, learnerID, courseID string) (domain.ProgressRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec domain.ProgressRecord
	err := s.db.QueryRowContext(ctx, queryGetProgress, learnerID, courseID).Scan(
		&rec.LearnerID,
		&rec.CourseID,
		&rec.Percent,
		&rec.Email,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// PutProgress upserts rec last-write-wins by UpdatedAt.
// applied is false when a newer record was already stored.
func (s *Store) PutProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPutProgress,
		rec.LearnerID,
		rec.CourseID,
		rec.Percent,
		rec.Email,
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// PutIfAbsent inserts cert unless a certificate with the same ID exists.
// The ON CONFLICT clause makes this the only guard against double issuance.
func (s *Store) PutIfAbsent(ctx context.Context, cert domain.Certificate) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryInsertCertificate,
		cert.ID,
		cert.LearnerID,
		cert.CourseID,
		cert.IssuedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetCertificate returns the ledger entry for certificateID.
// Returns domain.ErrNotFound if none exists.
func (s *Store) GetCertificate(ctx context.Context, certificateID string) (domain.LedgerEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		entry      domain.LedgerEntry
		notifiedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryGetCertificate, certificateID).Scan(
		&entry.Certificate.ID,
		&entry.Certificate.LearnerID,
		&entry.Certificate.CourseID,
		&entry.Certificate.IssuedAt,
		&notifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.Certificate.IssuedAt = entry.Certificate.IssuedAt.UTC()
	if notifiedAt.Valid {
		t := notifiedAt.Time.UTC()
		entry.NotifiedAt = &t
	}
	return entry, nil
}

// MarkNotified records that the notification for certificateID was published.
// It is set-once: marking an already notified certificate is a no-op.
func (s *Store) MarkNotified(ctx context.Context, certificateID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryMarkNotified, certificateID, at.UTC())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Either already notified or missing; only the latter is an error.
	var one int
	err = s.db.QueryRowContext(ctx, queryCertificateExists, certificateID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// GetOrphanedCompletions returns completed progress records older than olderThan
// that have no certificate or an un-notified one, oldest first.
// maxResults <= 0 returns every match.
func (s *Store) GetOrphanedCompletions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ProgressRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if maxResults < 0 {
		maxResults = 0
	}
	rows, err := s.db.QueryContext(ctx, queryGetOrphanedCompletions, olderThan.UTC(), maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ProgressRecord
	for rows.Next() {
		var rec domain.ProgressRecord
		if err := rows.Scan(&rec.LearnerID, &rec.CourseID, &rec.Percent, &rec.Email, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Compile-time interface assertions
var (
	_ tracker.Store    = (*Store)(nil)
	_ issuer.Ledger    = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
