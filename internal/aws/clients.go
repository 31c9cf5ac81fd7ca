package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Features names the optional AWS-backed features a process runs with.
type Features struct {
	Ledger   bool // DynamoDB delivery ledger
	Recovery bool // SQS notification recovery queue
	Metrics  bool // CloudWatch outcome counters
}

// Any reports whether at least one feature needs AWS.
func (f Features) Any() bool { return f.Ledger || f.Recovery || f.Metrics }

// Clients holds one client per enabled feature. Clients for disabled features are nil.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewClients loads the AWS config and builds the clients f asks for. It returns an empty
// Clients without touching the credential chain when nothing is enabled.
func NewClients(ctx context.Context, f Features) (*Clients, error) {
	if !f.Any() {
		return &Clients{}, nil
	}
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return clientsFromConfig(cfg, f), nil
}

func clientsFromConfig(cfg sdkaws.Config, f Features) *Clients {
	c := &Clients{}
	if f.Ledger {
		c.DynamoDB = dynamodb.NewFromConfig(cfg)
	}
	if f.Recovery {
		c.SQS = sqs.NewFromConfig(cfg)
	}
	if f.Metrics {
		c.CloudWatch = cloudwatch.NewFromConfig(cfg)
	}
	return c
}
