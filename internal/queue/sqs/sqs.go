// Package sqs implements queue.Queue on Amazon SQS.
//
// Visibility timeout, receive counting and dead-letter redrive are provided by
// SQS itself; configure the redrive policy on the queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/djlord-it/certpipe/internal/awscfg"
	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
)

// SQS service limits.
const (
	maxBatch       = 10
	maxWaitSeconds = 20
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue is a queue.Queue backed by one SQS queue URL.
type Queue struct {
	api        API
	url        string
	visibility time.Duration
}

// New wraps an existing client. visibility overrides the queue's default
// visibility timeout when positive.
func New(api API, url string, visibility time.Duration) *Queue {
	return &Queue{api: api, url: url, visibility: visibility}
}

// NewFromConfig builds the SQS client from cfg. endpoint may be empty.
func NewFromConfig(cfg aws.Config, endpoint, url string, visibility time.Duration) *Queue {
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if ep := awscfg.Endpoint(endpoint); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return New(client, url, visibility)
}

func (q *Queue) Publish(ctx context.Context, body []byte) (string, error) {
	out, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", classify("send message", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *Queue) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]queue.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	if maxCount > maxBatch {
		maxCount = maxBatch
	}
	waitSeconds := int32(wait / time.Second)
	if waitSeconds > maxWaitSeconds {
		waitSeconds = maxWaitSeconds
	}

	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(maxCount),
		WaitTimeSeconds:     waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if q.visibility > 0 {
		in.VisibilityTimeout = int32(q.visibility / time.Second)
	}

	out, err := q.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, classify("receive message", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, queue.Message{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			Handle:       aws.ToString(m.ReceiptHandle),
			ReceiveCount: receiveCount(m.Attributes),
		})
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, handle string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return classify("delete message", err)
	}
	return nil
}

// receiveCount reads ApproximateReceiveCount, defaulting to 1 when absent.
func receiveCount(attrs map[string]string) int {
	v, ok := attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Error codes that will not succeed on retry.
var permanentCodes = map[string]bool{
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"QueueDoesNotExist":                       true,
	"InvalidAddress":                          true,
	"InvalidMessageContents":                  true,
	"InvalidParameterValue":                   true,
	"AccessDenied":                            true,
	"AccessDeniedException":                   true,
	"ReceiptHandleIsInvalid":                  true,
}

func classify(op string, err error) error {
	wrapped := fmt.Errorf("sqs %s: %w", op, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return domain.PermanentError("sqs", wrapped)
	}
	return domain.TransientError("sqs", wrapped)
}

var _ queue.Queue = (*Queue)(nil)
