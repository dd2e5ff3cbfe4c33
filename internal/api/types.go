package api

import "time"

// ProgressRequest is the body of POST /progress.
type ProgressRequest struct {
	LearnerID string `json:"learner_id"`
	CourseID  string `json:"course_id"`
	// Percent is a pointer so an absent field is distinguishable from 0.
	Percent *int `json:"percent"`
	// UpdatedAt is when the client observed the progress; defaults to the server clock.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Email     string     `json:"email,omitempty"`
}

type ProgressResponse struct {
	Status              string `json:"status"`
	Applied             bool   `json:"applied"`
	CompletionPublished bool   `json:"completion_published"`
	PublishError        string `json:"publish_error,omitempty"`
}

type ProgressRecordResponse struct {
	LearnerID string `json:"learner_id"`
	CourseID  string `json:"course_id"`
	Percent   int    `json:"percent"`
	Completed bool   `json:"completed"`
	UpdatedAt string `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
