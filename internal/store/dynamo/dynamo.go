// Package dynamo implements the progress store and certificate ledger on DynamoDB.
//
// Table layout:
//
//	progress:     partition key learner_id (S), sort key course_id (S)
//	certificates: partition key certificate_id (S)
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/djlord-it/certpipe/internal/awscfg"
	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/issuer"
	"github.com/djlord-it/certpipe/internal/reconciler"
	"github.com/djlord-it/certpipe/internal/tracker"
)

// API is the subset of the DynamoDB client used here.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// progressItem stores updated_at as unix nanoseconds so conditions can compare it numerically.
type progressItem struct {
	LearnerID string `dynamodbav:"learner_id"`
	CourseID  string `dynamodbav:"course_id"`
	Percent   int    `dynamodbav:"percent"`
	Email     string `dynamodbav:"email,omitempty"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

func toProgressItem(rec domain.ProgressRecord) progressItem {
	return progressItem{
		LearnerID: rec.LearnerID,
		CourseID:  rec.CourseID,
		Percent:   rec.Percent,
		Email:     rec.Email,
		UpdatedAt: rec.UpdatedAt.UnixNano(),
	}
}

func (i progressItem) record() domain.ProgressRecord {
	return domain.ProgressRecord{
		LearnerID: i.LearnerID,
		CourseID:  i.CourseID,
		Percent:   i.Percent,
		Email:     i.Email,
		UpdatedAt: time.Unix(0, i.UpdatedAt).UTC(),
	}
}

type ledgerItem struct {
	domain.Certificate
	NotifiedAt *time.Time `dynamodbav:"notified_at,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	api               API
	progressTable     string
	certificatesTable string
}

func New(api API, progressTable, certificatesTable string) *Store {
	return &Store{
		api:               api,
		progressTable:     progressTable,
		certificatesTable: certificatesTable,
	}
}

// NewFromConfig builds the DynamoDB client from cfg. endpoint may be empty.
func NewFromConfig(cfg aws.Config, endpoint, progressTable, certificatesTable string) *Store {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if ep := awscfg.Endpoint(endpoint); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return New(client, progressTable, certificatesTable)
}

func progressKey(learnerID, courseID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"learner_id": &types.AttributeValueMemberS{Value: learnerID},
		"course_id":  &types.AttributeValueMemberS{Value: courseID},
	}
}

func certificateKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"certificate_id": &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *Store) GetProgress(ctx context.Context, learnerID, courseID string) (domain.ProgressRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.progressTable),
		Key:            progressKey(learnerID, courseID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("dynamodb get progress: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}

	var item progressItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("dynamodb unmarshal progress: %w", err)
	}
	return item.record(), nil
}

// PutProgress updates rec unless the stored record is newer. An empty email
// leaves the stored address in place.
func (s *Store) PutProgress(ctx context.Context, rec domain.ProgressRecord) (bool, error) {
	item := toProgressItem(rec)
	update := "SET #percent = :percent, updated_at = :at"
	values := map[string]types.AttributeValue{
		":percent": &types.AttributeValueMemberN{Value: fmt.Sprint(item.Percent)},
		":at":      &types.AttributeValueMemberN{Value: fmt.Sprint(item.UpdatedAt)},
	}
	if item.Email != "" {
		update += ", email = :email"
		values[":email"] = &types.AttributeValueMemberS{Value: item.Email}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.progressTable),
		Key:                       progressKey(rec.LearnerID, rec.CourseID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_not_exists(learner_id) OR updated_at <= :at"),
		ExpressionAttributeNames:  map[string]string{"#percent": "percent"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb put progress: %w", err)
	}
	return true, nil
}

// PutIfAbsent is a conditional put on certificate_id.
func (s *Store) PutIfAbsent(ctx context.Context, cert domain.Certificate) (bool, error) {
	item, err := attributevalue.MarshalMap(ledgerItem{Certificate: cert})
	if err != nil {
		return false, fmt.Errorf("dynamodb marshal certificate: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.certificatesTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(certificate_id)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb put certificate: %w", err)
	}
	return true, nil
}

func (s *Store) GetCertificate(ctx context.Context, certificateID string) (domain.LedgerEntry, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.certificatesTable),
		Key:            certificateKey(certificateID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("dynamodb get certificate: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}

	var item ledgerItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("dynamodb unmarshal certificate: %w", err)
	}
	return domain.LedgerEntry{Certificate: item.Certificate, NotifiedAt: item.NotifiedAt}, nil
}

// MarkNotified sets notified_at once. A repeated mark is a no-op.
func (s *Store) MarkNotified(ctx context.Context, certificateID string, at time.Time) error {
	atValue, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("dynamodb marshal notified_at: %w", err)
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.certificatesTable),
		Key:                 certificateKey(certificateID),
		UpdateExpression:    aws.String("SET notified_at = :at"),
		ConditionExpression: aws.String("attribute_exists(certificate_id) AND attribute_not_exists(notified_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": atValue,
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("dynamodb mark notified: %w", err)
	}

	// Either already notified or missing; only the latter is an error.
	_, err = s.GetCertificate(ctx, certificateID)
	return err
}

// GetOrphanedCompletions scans for completed progress older than olderThan
// whose certificate is missing or was never notified.
func (s *Store) GetOrphanedCompletions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ProgressRecord, error) {
	paginator := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                aws.String(s.progressTable),
		FilterExpression:         aws.String("#percent = :full AND updated_at < :before"),
		ExpressionAttributeNames: map[string]string{"#percent": "percent"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":full":   &types.AttributeValueMemberN{Value: fmt.Sprint(domain.CompletionPercent)},
			":before": &types.AttributeValueMemberN{Value: fmt.Sprint(olderThan.UnixNano())},
		},
	})

	var result []domain.ProgressRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan progress: %w", err)
		}

		var items []progressItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("dynamodb unmarshal progress: %w", err)
		}

		for _, item := range items {
			rec := item.record()
			entry, err := s.GetCertificate(ctx, domain.CertificateID(rec.LearnerID, rec.CourseID))
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case err != nil:
				return nil, err
			case entry.Notified() || !entry.Certificate.IssuedAt.Before(olderThan):
				continue
			}
			result = append(result, rec)
			if maxResults > 0 && len(result) >= maxResults {
				return sortByUpdatedAt(result), nil
			}
		}
	}
	return sortByUpdatedAt(result), nil
}

func sortByUpdatedAt(recs []domain.ProgressRecord) []domain.ProgressRecord {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
	})
	return recs
}

var (
	_ tracker.Store    = (*Store)(nil)
	_ issuer.Ledger    = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
