package mail

import (
	"bytes"
	"context"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/djlord-it/certpipe/internal/domain"
)

const (
	defaultSubject = "Your certificate for {{.CourseID}} is ready"

	defaultText = `Congratulations!

You have completed {{.CourseID}}.
Your certificate ID is {{.CertificateID}}.
{{if .CertificateURL}}
View it at {{.CertificateURL}}
{{end}}`

	defaultHTML = `<!DOCTYPE html>
<html>
<body>
<h1>Congratulations!</h1>
<p>You have completed <strong>{{.CourseID}}</strong>.</p>
<p>Your certificate ID is <code>{{.CertificateID}}</code>.</p>
{{if .CertificateURL}}<p><a href="{{.CertificateURL}}">View your certificate</a></p>{{end}}
</body>
</html>`
)

// templateData is what templates see.
type templateData struct {
	LearnerID      string
	CourseID       string
	CertificateID  string
	CertificateURL string
}

// TemplateRenderer renders notifications with Go templates. The HTML body is
// auto-escaped.
type TemplateRenderer struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
	urlBase string
}

// NewTemplateRenderer builds a renderer with the default templates.
// urlBase, when set, is joined with the certificate ID to link the certificate.
func NewTemplateRenderer(urlBase string) *TemplateRenderer {
	r, err := NewCustomRenderer(urlBase, defaultSubject, defaultText, defaultHTML)
	if err != nil {
		panic("mail: default templates: " + err.Error())
	}
	return r
}

// NewCustomRenderer parses the given templates. An empty htmlTmpl disables the HTML body.
func NewCustomRenderer(urlBase, subjectTmpl, textTmpl, htmlTmpl string) (*TemplateRenderer, error) {
	subject, err := texttemplate.New("subject").Parse(subjectTmpl)
	if err != nil {
		return nil, err
	}
	text, err := texttemplate.New("text").Parse(textTmpl)
	if err != nil {
		return nil, err
	}
	r := &TemplateRenderer{
		subject: subject,
		text:    text,
		urlBase: strings.TrimRight(urlBase, "/"),
	}
	if htmlTmpl != "" {
		html, err := htmltemplate.New("html").Parse(htmlTmpl)
		if err != nil {
			return nil, err
		}
		r.html = html
	}
	return r, nil
}

func (r *TemplateRenderer) Render(_ context.Context, event domain.NotificationEvent) (Email, error) {
	data := templateData{
		LearnerID:     event.LearnerID,
		CourseID:      event.CourseID,
		CertificateID: event.CertificateID,
	}
	if r.urlBase != "" && event.CertificateID != "" {
		data.CertificateURL = r.urlBase + "/" + event.CertificateID
	}

	var subject, text, html bytes.Buffer
	if err := r.subject.Execute(&subject, data); err != nil {
		return Email{}, err
	}
	if err := r.text.Execute(&text, data); err != nil {
		return Email{}, err
	}
	if r.html != nil {
		if err := r.html.Execute(&html, data); err != nil {
			return Email{}, err
		}
	}

	return Email{
		To:      event.Email,
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

var _ Renderer = (*TemplateRenderer)(nil)
