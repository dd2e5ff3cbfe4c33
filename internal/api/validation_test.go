package api

import (
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/certpipe/internal/testutil"
)

func validRequest() ProgressRequest {
	return ProgressRequest{
		LearnerID: "learner-1",
		CourseID:  "go-101",
		Percent:   testutil.Percent(40),
		Email:     "ada@example.com",
	}
}

func TestValidateProgressRequest_ValidRequest(t *testing.T) {
	if err := validateProgressRequest(validRequest()); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}
}

func TestValidateProgressRequest_Boundaries(t *testing.T) {
	tests := []struct {
		percent int
		wantErr bool
	}{
		{-1, true},
		{0, false},
		{99, false},
		{100, false},
		{101, true},
	}

	for _, tt := range tests {
		req := validRequest()
		req.Percent = testutil.Percent(tt.percent)
		err := validateProgressRequest(req)
		if (err != nil) != tt.wantErr {
			t.Errorf("percent=%d: err=%v, wantErr=%v", tt.percent, err, tt.wantErr)
		}
	}
}

func TestValidateProgressRequest_Fields(t *testing.T) {
	zero := time.Time{}

	tests := []struct {
		name    string
		modify  func(r *ProgressRequest)
		wantErr string
	}{
		{
			name:    "missing learner_id",
			modify:  func(r *ProgressRequest) { r.LearnerID = "" },
			wantErr: "learner_id is required",
		},
		{
			name:    "missing course_id",
			modify:  func(r *ProgressRequest) { r.CourseID = "" },
			wantErr: "course_id is required",
		},
		{
			name:    "missing percent",
			modify:  func(r *ProgressRequest) { r.Percent = nil },
			wantErr: "percent is required",
		},
		{
			name:    "slash in course_id",
			modify:  func(r *ProgressRequest) { r.CourseID = "go/101" },
			wantErr: "must not contain '/'",
		},
		{
			name:    "oversized learner_id",
			modify:  func(r *ProgressRequest) { r.LearnerID = strings.Repeat("x", maxIDLength+1) },
			wantErr: "exceeds",
		},
		{
			name:    "zero updated_at",
			modify:  func(r *ProgressRequest) { r.UpdatedAt = &zero },
			wantErr: "updated_at",
		},
		{
			name:    "bad email",
			modify:  func(r *ProgressRequest) { r.Email = "not-an-address" },
			wantErr: "invalid email",
		},
		{
			name:    "display name email",
			modify:  func(r *ProgressRequest) { r.Email = "Ada <ada@example.com>" },
			wantErr: "invalid email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(&req)

			err := validateProgressRequest(req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateProgressRequest_EmailOptional(t *testing.T) {
	req := validRequest()
	req.Email = ""
	if err := validateProgressRequest(req); err != nil {
		t.Errorf("email is optional, got: %v", err)
	}
}
