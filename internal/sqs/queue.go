// Package sqs moves send jobs between the campaign queuer and the send
// worker. The queue carries only identifiers; everything the worker needs
// is loaded fresh from the database so stale payloads cannot be sent.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the payload carried on the send queue.
type Message struct {
	SendJobID  string `json:"send_job_id"`
	TenantID   string `json:"tenant_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Delivery is one received message plus the queue metadata the worker
// needs to ack, delay, or count attempts.
type Delivery struct {
	Message       Message
	ReceiptHandle string

	// ReceiveCount is how many times the queue has delivered this
	// message, including this delivery. It is the attempt counter:
	// transient failures leave the message in place and redelivery
	// increments it.
	ReceiveCount int
}

// Producer publishes send jobs onto the queue.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishSendJob enqueues one send job for the worker.
func (p *Producer) PublishSendJob(ctx context.Context, jobID, tenantID uuid.UUID) error {
	msg := Message{
		SendJobID:  jobID.String(),
		TenantID:   tenantID.String(),
		EnqueuedAt: time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("send_job_id", jobID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Consumer reads send jobs from the queue.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive retrieves one message with long polling. Returns nil when the
// poll times out with nothing available.
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             20,
		VisibilityTimeout:           60,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	raw := result.Messages[0]

	var msg Message
	if err := json.Unmarshal([]byte(*raw.Body), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	receiveCount := 1
	if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			receiveCount = n
		}
	}

	return &Delivery{
		Message:       msg,
		ReceiptHandle: *raw.ReceiptHandle,
		ReceiveCount:  receiveCount,
	}, nil
}

// Delete acks a message after terminal processing.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// Delay pushes a message's next delivery out by the given number of
// seconds. Used for quiet-hours deferral and throughput backoff.
func (c *Consumer) Delay(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
