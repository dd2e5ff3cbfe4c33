package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CompletionEvent is published by the tracker when a learner reaches 100%.
// It may be delivered more than once; consumers must be idempotent.
type CompletionEvent struct {
	LearnerID   string    `json:"learner_id"`
	CourseID    string    `json:"course_id"`
	Email       string    `json:"email,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Validate checks the fields the issuer needs to derive a certificate.
func (e CompletionEvent) Validate() error {
	if e.LearnerID == "" {
		return &ValidationError{Field: "learner_id", Message: "required"}
	}
	if e.CourseID == "" {
		return &ValidationError{Field: "course_id", Message: "required"}
	}
	return nil
}

// NotificationEvent asks the dispatcher to email a learner about a new certificate.
type NotificationEvent struct {
	LearnerID     string `json:"learner_id"`
	CourseID      string `json:"course_id"`
	Email         string `json:"email"`
	CertificateID string `json:"certificate_id"`
}

// Validate checks the fields required to render and address the email.
func (e NotificationEvent) Validate() error {
	if e.Email == "" {
		return &ValidationError{Field: "to", Message: "required"}
	}
	if e.CertificateID == "" {
		return &ValidationError{Field: "certificate_id", Message: "required"}
	}
	return nil
}

// Encode marshals an event into a queue message body.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeCompletionEvent parses and validates a completion message body.
// Failures wrap ErrMalformedMessage.
func DecodeCompletionEvent(body []byte) (CompletionEvent, error) {
	var e CompletionEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := e.Validate(); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return e, nil
}

// DecodeNotificationEvent parses a notification message body.
// Field validation is left to the dispatcher so it can count skips separately.
func DecodeNotificationEvent(body []byte) (NotificationEvent, error) {
	var e NotificationEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return NotificationEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return e, nil
}
