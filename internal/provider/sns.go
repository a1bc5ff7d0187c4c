package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSConfig holds AWS SNS configuration.
type SNSConfig struct {
	Region string
}

// SNS sends SMS via AWS SNS direct publish. SNS accepts no sender number
// and returns no delivery receipts, so the from argument is ignored and
// jobs settle at sent rather than delivered.
type SNS struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNS creates an SNS provider.
func NewSNS(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &SNS{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Name identifies the provider in job rows and cost lookups.
func (s *SNS) Name() string { return "sns" }

// Send publishes one SMS. SNS surfaces almost every failure as a server
// side condition, so errors are treated as outages.
func (s *SNS) Send(ctx context.Context, from, to, body string) (*SendResult, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(body),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: sns publish: %v", ErrUnavailable, err)
	}

	s.logger.Info("sms sent via sns",
		zap.String("phone_number", to),
		zap.String("message_id", *result.MessageId),
	)

	return &SendResult{MessageID: *result.MessageId}, nil
}
