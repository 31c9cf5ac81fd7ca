package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/aws"
)

// Store records which webhook deliveries have been processed, keyed by event id.
// It is advisory: the fulfillment table stays the source of truth, and a record that is
// IN_PROGRESS or FAILED does not block another attempt.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long an event id is remembered
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for delivery entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// CreateIfNotExists creates a delivery record with status IN_PROGRESS if the event id is new.
// Returns (created=true, nil) if successfully created.
// Returns (created=false, nil) if the record already exists (caller should Get to inspect).
// Returns (created=false, err) on other errors.
func (s *Store) CreateIfNotExists(ctx context.Context, eventID, eventType string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := DeliveryRecord{
		EventID:   eventID,
		EventType: eventType,
		Status:    StatusInProgress,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(event_id)"),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}

	return true, nil
}

// Get retrieves a delivery record by event id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, eventID string) (*DeliveryRecord, error) {
	input := &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       s.key(eventID),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec DeliveryRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Retry moves an existing record back to IN_PROGRESS and bumps its attempt counter.
//
// Retry, MarkDone and MarkFailed never create an entry: one written here would have no
// expires_at and never leave the table. Missing event ids are a no-op.
func (s *Store) Retry(ctx context.Context, eventID string) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(eventID),
		UpdateExpression: awsString("SET #s = :progress, attempts = if_not_exists(attempts, :zero) + :inc, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":zero":     &types.AttributeValueMemberN{Value: "0"},
			":inc":      &types.AttributeValueMemberN{Value: "1"},
			":ua":       &types.AttributeValueMemberS{Value: s.stamp()},
		},
		ConditionExpression: awsString("attribute_exists(event_id)"),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("update item (retry): %w", err)
	}
	return nil
}

// MarkDone sets status to DONE and stores the receipt that was sent back to Stripe.
func (s *Store) MarkDone(ctx context.Context, eventID, responseBody string, responseStatus int) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(eventID),
		UpdateExpression: awsString("SET #s = :done, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":rb":   &types.AttributeValueMemberS{Value: responseBody},
			":rs":   &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":   &types.AttributeValueMemberS{Value: s.stamp()},
		},
		ConditionExpression: awsString("attribute_exists(event_id)"),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the delivery as FAILED and stores a note. Stripe will redeliver.
func (s *Store) MarkFailed(ctx context.Context, eventID, note string) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(eventID),
		UpdateExpression: awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: s.stamp()},
		},
		ConditionExpression: awsString("attribute_exists(event_id)"),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func (s *Store) key(eventID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberS{Value: eventID},
	}
}

func (s *Store) stamp() string { return s.nowFunc().UTC().Format(time.RFC3339) }

func isConditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
