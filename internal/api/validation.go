package api

import (
	"fmt"
	"net/mail"
	"strings"
)

// maxIDLength bounds learner and course IDs; they become store keys.
const maxIDLength = 256

func validateProgressRequest(req ProgressRequest) error {
	if err := validateID("learner_id", req.LearnerID); err != nil {
		return err
	}
	if err := validateID("course_id", req.CourseID); err != nil {
		return err
	}

	if req.Percent == nil {
		return fmt.Errorf("percent is required")
	}
	if *req.Percent < 0 || *req.Percent > 100 {
		return fmt.Errorf("percent must be between 0 and 100, got %d", *req.Percent)
	}

	if req.UpdatedAt != nil && req.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at must not be the zero time")
	}

	if req.Email != "" {
		if err := validateEmail(req.Email); err != nil {
			return fmt.Errorf("invalid email: %w", err)
		}
	}

	return nil
}

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxIDLength)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%s must not contain '/'", field)
	}
	return nil
}

func validateEmail(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Address != addr {
		return fmt.Errorf("display names are not accepted")
	}
	return nil
}
