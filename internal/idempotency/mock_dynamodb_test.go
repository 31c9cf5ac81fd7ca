package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a very small in-memory mock for PutItem/GetItem/UpdateItem used in unit tests.
// It understands only the expressions the Store issues.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
	failWith    error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	keyAttr, ok := params.Item["event_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	k := keyAttr.Value
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(event_id)" {
		if _, exists := m.table[k]; exists {
			msg := "The conditional request failed"
			return nil, &types.ConditionalCheckFailedException{Message: &msg}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	keyAttr, ok := params.Key["event_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	item, ok := m.table[keyAttr.Value]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	keyAttr, ok := params.Key["event_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	item, ok := m.table[keyAttr.Value]
	if !ok {
		if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_exists(event_id)" {
			msg := "The conditional request failed"
			return nil, &types.ConditionalCheckFailedException{Message: &msg}
		}
		// UpdateItem without a condition creates the item
		item = map[string]types.AttributeValue{"event_id": keyAttr}
	}
	vals := params.ExpressionAttributeValues
	copyVal := func(placeholder, attr string) {
		if v, ok := vals[placeholder]; ok {
			item[attr] = v
		}
	}
	copyVal(":rb", "response_body")
	copyVal(":rs", "response_status")
	copyVal(":ua", "updated_at")
	copyVal(":n", "note")
	copyVal(":done", "status")
	copyVal(":failed", "status")
	copyVal(":progress", "status")
	if _, ok := vals[":inc"]; ok {
		n := 0
		if cur, ok := item["attempts"].(*types.AttributeValueMemberN); ok {
			n, _ = strconv.Atoi(cur.Value)
		}
		item["attempts"] = &types.AttributeValueMemberN{Value: strconv.Itoa(n + 1)}
	}
	m.table[keyAttr.Value] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}
