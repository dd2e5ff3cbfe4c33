package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/djlord-it/certpipe/internal/awscfg"
	"github.com/djlord-it/certpipe/internal/domain"
)

const charset = "UTF-8"

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through Amazon SES v2 from a verified identity.
type SESSender struct {
	api  SESAPI
	from string
}

func NewSESSender(api SESAPI, from string) *SESSender {
	return &SESSender{api: api, from: from}
}

// NewSESSenderFromConfig builds the SES client from cfg. endpoint may be empty.
func NewSESSenderFromConfig(cfg aws.Config, endpoint, from string) *SESSender {
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if ep := awscfg.Endpoint(endpoint); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewSESSender(client, from)
}

func (s *SESSender) Send(ctx context.Context, email Email) (string, error) {
	if err := email.Validate(); err != nil {
		return "", err
	}

	body := &types.Body{}
	if email.Text != "" {
		body.Text = &types.Content{Data: aws.String(email.Text), Charset: aws.String(charset)}
	}
	if email.HTML != "" {
		body.Html = &types.Content{Data: aws.String(email.HTML), Charset: aws.String(charset)}
	}

	out, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String(charset)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return "", classifySES(err)
	}
	return aws.ToString(out.MessageId), nil
}

// Error codes that fail the same way on every retry of the same message.
var permanentSESCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
	"AccessDeniedException":              true,
}

func classifySES(err error) error {
	wrapped := fmt.Errorf("ses send email: %w", err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentSESCodes[apiErr.ErrorCode()] {
		return domain.PermanentError("ses", wrapped)
	}
	return domain.TransientError("ses", wrapped)
}

var _ Sender = (*SESSender)(nil)
