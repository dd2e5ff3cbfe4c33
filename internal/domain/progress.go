package domain

import "time"

// CompletionPercent is the progress value that marks a course as completed.
const CompletionPercent = 100

// ProgressRecord is the latest known completion percentage for a learner in a course.
// Records are upserted last-write-wins by UpdatedAt and never deleted.
//
// Email is the last address reported with an update. Stores keep the previous
// address when an applied write carries none, so the reconciler can address a
// republished completion.
type ProgressRecord struct {
	LearnerID string    `json:"learner_id"`
	CourseID  string    `json:"course_id"`
	Percent   int       `json:"percent"`
	Email     string    `json:"email,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Completed reports whether the record marks the course as finished.
func (r ProgressRecord) Completed() bool {
	return r.Percent == CompletionPercent
}

// Merge returns r with the address carried over from existing when r has none.
func (r ProgressRecord) Merge(existing ProgressRecord) ProgressRecord {
	if r.Email == "" {
		r.Email = existing.Email
	}
	return r
}

// Supersedes reports whether r should replace existing under last-write-wins.
// Equal timestamps favour the incoming write so retried requests stay idempotent.
func (r ProgressRecord) Supersedes(existing ProgressRecord) bool {
	return !r.UpdatedAt.Before(existing.UpdatedAt)
}
