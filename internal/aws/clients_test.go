package aws

import (
	"context"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
)

func TestNewClients_NothingEnabled(t *testing.T) {
	c, err := NewClients(context.Background(), Features{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.DynamoDB != nil || c.SQS != nil || c.CloudWatch != nil {
		t.Fatalf("expected no clients, got %+v", c)
	}
}

func TestClientsFromConfig_OnlyEnabled(t *testing.T) {
	cfg := sdkaws.Config{Region: "eu-west-1"}

	c := clientsFromConfig(cfg, Features{Ledger: true, Metrics: true})
	if c.DynamoDB == nil || c.CloudWatch == nil {
		t.Fatalf("expected ledger and metrics clients, got %+v", c)
	}
	if c.SQS != nil {
		t.Fatalf("queue client should not be built")
	}

	c = clientsFromConfig(cfg, Features{Recovery: true})
	if c.SQS == nil || c.DynamoDB != nil || c.CloudWatch != nil {
		t.Fatalf("expected only the queue client, got %+v", c)
	}
}
