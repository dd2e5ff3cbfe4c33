package domain

import (
	"time"

	"github.com/google/uuid"
)

// certificateNamespace scopes certificate IDs so they never collide with other UUIDv5 users.
var certificateNamespace = uuid.MustParse("6f1c3b0e-8d7a-5b8e-9c47-2a1f0d6e4b93")

// CertificateID derives the ledger key for a (learner, course) pair.
// Producer and consumer must agree on this value for issuance to stay idempotent.
func CertificateID(learnerID, courseID string) string {
	// NUL cannot appear in either identifier, so "a-b"+"c" and "a"+"b-c" stay distinct.
	return uuid.NewSHA1(certificateNamespace, []byte(learnerID+"\x00"+courseID)).String()
}

// Certificate is immutable once written to the ledger.
type Certificate struct {
	ID        string    `json:"certificate_id" dynamodbav:"certificate_id"`
	LearnerID string    `json:"learner_id" dynamodbav:"learner_id"`
	CourseID  string    `json:"course_id" dynamodbav:"course_id"`
	IssuedAt  time.Time `json:"issued_at" dynamodbav:"issued_at"`
}

// NewCertificate builds the certificate for a learner and course issued at t.
func NewCertificate(learnerID, courseID string, t time.Time) Certificate {
	return Certificate{
		ID:        CertificateID(learnerID, courseID),
		LearnerID: learnerID,
		CourseID:  courseID,
		IssuedAt:  t.UTC(),
	}
}

// LedgerEntry is a certificate plus the ledger's own bookkeeping.
// NotifiedAt is set once, after the notification for the certificate was published.
type LedgerEntry struct {
	Certificate Certificate
	NotifiedAt  *time.Time
}

// Notified reports whether the notification for this certificate was published.
func (e LedgerEntry) Notified() bool {
	return e.NotifiedAt != nil
}
