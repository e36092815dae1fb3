package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSStore ships dispatch records to a queue so a downstream consumer
// owns durable persistence. Keeps record writes off the hot path when
// Postgres is not co-located.
type SQSStore struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSStore(ctx context.Context, region, queueURL string) (*SQSStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSStore{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSStoreWithConfig(cfg aws.Config, queueURL string) *SQSStore {
	return &SQSStore{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (s *SQSStore) Save(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.TenantID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
		},
	}

	_, err = s.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send record: %w", err)
	}

	return nil
}

// Drain receives queued records for a consumer process. Messages are
// deleted after a successful decode; undecodable messages are logged
// and deleted rather than retried forever.
func (s *SQSStore) Drain(ctx context.Context, maxMessages int) ([]Record, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := s.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive records: %w", err)
	}

	records := make([]Record, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var record Record
		if err := json.Unmarshal([]byte(*msg.Body), &record); err != nil {
			slog.Warn("discarding undecodable history message", "error", err)
		} else {
			records = append(records, record)
		}

		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			slog.Warn("delete history message failed", "error", err)
		}
	}

	return records, nil
}
