package mail

import (
	"context"
	"strings"
	"testing"

	"github.com/djlord-it/certpipe/internal/domain"
)

func TestEmail_Validate(t *testing.T) {
	tests := []struct {
		name  string
		email Email
		field string
	}{
		{"valid text", Email{To: "a@b.c", Subject: "s", Text: "t"}, ""},
		{"valid html", Email{To: "a@b.c", Subject: "s", HTML: "<p>t</p>"}, ""},
		{"missing to", Email{Subject: "s", Text: "t"}, "to"},
		{"missing subject", Email{To: "a@b.c", Text: "t"}, "subject"},
		{"missing body", Email{To: "a@b.c", Subject: "s"}, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.email.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			ve, ok := err.(*domain.ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestTemplateRenderer_Render(t *testing.T) {
	r := NewTemplateRenderer("https://certs.example.com/")
	event := domain.NotificationEvent{
		LearnerID:     "u1",
		CourseID:      "go-101",
		Email:         "learner@example.com",
		CertificateID: "cert-123",
	}

	email, err := r.Render(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}

	if email.To != "learner@example.com" {
		t.Errorf("To = %q", email.To)
	}
	if email.Subject != "Your certificate for go-101 is ready" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if !strings.Contains(email.Text, "cert-123") || !strings.Contains(email.Text, "https://certs.example.com/cert-123") {
		t.Errorf("Text missing certificate details:\n%s", email.Text)
	}
	if !strings.Contains(email.HTML, `href="https://certs.example.com/cert-123"`) {
		t.Errorf("HTML missing link:\n%s", email.HTML)
	}
	if err := email.Validate(); err != nil {
		t.Errorf("rendered email should be valid: %v", err)
	}
}

func TestTemplateRenderer_NoURLBase(t *testing.T) {
	email, err := NewTemplateRenderer("").Render(context.Background(), domain.NotificationEvent{
		CourseID:      "go-101",
		Email:         "a@b.c",
		CertificateID: "cert-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(email.Text, "View it at") || strings.Contains(email.HTML, "href") {
		t.Error("no link should be rendered without a URL base")
	}
}

func TestTemplateRenderer_EscapesHTML(t *testing.T) {
	email, err := NewTemplateRenderer("").Render(context.Background(), domain.NotificationEvent{
		CourseID:      "<script>alert(1)</script>",
		Email:         "a@b.c",
		CertificateID: "cert-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(email.HTML, "<script>") {
		t.Errorf("course ID should be escaped in HTML:\n%s", email.HTML)
	}
}

func TestTemplateRenderer_MissingEmailRendersEmptyTo(t *testing.T) {
	email, err := NewTemplateRenderer("").Render(context.Background(), domain.NotificationEvent{CourseID: "c", CertificateID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := email.Validate(); err == nil {
		t.Error("email without recipient should not validate")
	}
}

func TestNewCustomRenderer_BadTemplate(t *testing.T) {
	if _, err := NewCustomRenderer("", "{{.Broken", "t", ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewCustomRenderer_TextOnly(t *testing.T) {
	r, err := NewCustomRenderer("", "Hi {{.LearnerID}}", "Body {{.CertificateID}}", "")
	if err != nil {
		t.Fatal(err)
	}
	email, _ := r.Render(context.Background(), domain.NotificationEvent{LearnerID: "u1", Email: "a@b.c", CertificateID: "c1"})
	if email.Subject != "Hi u1" || email.Text != "Body c1" || email.HTML != "" {
		t.Errorf("email = %+v", email)
	}
}
