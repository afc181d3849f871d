package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAPI is the part of the SNS client the sender uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region   string
	SenderID string
}

// SNSSender sends SMS through Amazon SNS direct publish.
type SNSSender struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func NewSNSSenderWithClient(client SNSAPI, senderID string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, senderID: senderID, logger: logger}
}

func (s *SNSSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if s.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("phone_number", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
