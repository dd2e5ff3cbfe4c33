package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCertificateID_Deterministic(t *testing.T) {
	a := CertificateID("u1", "c1")
	b := CertificateID("u1", "c1")
	if a != b {
		t.Fatalf("CertificateID not deterministic: %q != %q", a, b)
	}
	if a == "" {
		t.Fatal("CertificateID returned empty string")
	}
}

func TestCertificateID_Distinct(t *testing.T) {
	tests := []struct {
		name           string
		l1, c1, l2, c2 string
	}{
		{"different course", "u1", "c1", "u1", "c2"},
		{"different learner", "u1", "c1", "u2", "c1"},
		{"swapped", "u1", "c1", "c1", "u1"},
		{"dash ambiguity", "a-b", "c", "a", "b-c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if CertificateID(tt.l1, tt.c1) == CertificateID(tt.l2, tt.c2) {
				t.Errorf("CertificateID(%q,%q) collides with CertificateID(%q,%q)", tt.l1, tt.c1, tt.l2, tt.c2)
			}
		})
	}
}

func TestNewCertificate(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	cert := NewCertificate("u1", "c1", at)

	if cert.ID != CertificateID("u1", "c1") {
		t.Errorf("ID = %q, want CertificateID(u1,c1)", cert.ID)
	}
	if cert.IssuedAt.Location() != time.UTC {
		t.Errorf("IssuedAt location = %v, want UTC", cert.IssuedAt.Location())
	}
	if !cert.IssuedAt.Equal(at) {
		t.Errorf("IssuedAt = %v, want %v", cert.IssuedAt, at)
	}
}

func TestProgressRecord_Supersedes(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := ProgressRecord{LearnerID: "u1", CourseID: "c1", Percent: 100, UpdatedAt: t0}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"older", t0.Add(-time.Second), false},
		{"equal", t0, true},
		{"newer", t0.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			incoming := ProgressRecord{LearnerID: "u1", CourseID: "c1", Percent: 40, UpdatedAt: tt.at}
			if got := incoming.Supersedes(existing); got != tt.want {
				t.Errorf("Supersedes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeCompletionEvent(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		body := []byte(`{"learner_id":"u1","course_id":"c1","completed_at":"2024-01-01T00:00:00Z"}`)
		e, err := DecodeCompletionEvent(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.LearnerID != "u1" || e.CourseID != "c1" {
			t.Errorf("got %+v", e)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodeCompletionEvent([]byte(`{`))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("err = %v, want ErrMalformedMessage", err)
		}
	})

	t.Run("missing course", func(t *testing.T) {
		_, err := DecodeCompletionEvent([]byte(`{"learner_id":"u1"}`))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("err = %v, want ErrMalformedMessage", err)
		}
		if !IsPermanent(err) {
			t.Error("malformed message should be permanent")
		}
	})
}

func TestNotificationEvent_Validate(t *testing.T) {
	ok := NotificationEvent{LearnerID: "u1", CourseID: "c1", Email: "a@example.com", CertificateID: "x"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	noTo := ok
	noTo.Email = ""
	err := noTo.Validate()
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "to" {
		t.Errorf("err = %v, want ValidationError on 'to'", err)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		permanent bool
		transient bool
	}{
		{"nil", nil, false, false},
		{"plain", base, false, true},
		{"transient", TransientError("queue", base), false, true},
		{"permanent", PermanentError("mail", base), true, false},
		{"wrapped permanent", fmt.Errorf("send: %w", PermanentError("mail", base)), true, false},
		{"validation", &ValidationError{Field: "percent", Message: "out of range"}, true, false},
		{"malformed", fmt.Errorf("%w: bad", ErrMalformedMessage), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestDependencyError_Unwrap(t *testing.T) {
	err := TransientError("progress_store", fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.New("conn reset")))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("errors.Is(err, ErrStoreUnavailable) = false, want true")
	}
}
