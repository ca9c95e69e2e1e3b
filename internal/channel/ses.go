package channel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// SESAdapter sends email through AWS SES using the SDK v2.
type SESAdapter struct {
	client    *sesv2.Client
	configSet string
}

// NewSESAdapter creates an SES email adapter from config.
func NewSESAdapter(ctx context.Context, cfg config.EmailConfig) (*SESAdapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESAdapter{
		client:    sesv2.NewFromConfig(awsCfg),
		configSet: cfg.ConfigSet,
	}, nil
}

func (a *SESAdapter) Channel() domain.ChannelType { return domain.ChannelEmail }

// Send delivers a single email through SES. Throttling and service errors
// come back transient; rejected content and suspended sending come back
// permanent.
func (a *SESAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromAddress)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		// engine_message_id lets webhook notifications correlate back to
		// the originating message
		EmailTags: []types.MessageTag{
			{Name: aws.String("engine_message_id"), Value: aws.String(msg.MessageID)},
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("recipient_id"), Value: aws.String(msg.RecipientID)},
		},
	}
	if a.configSet != "" {
		input.ConfigurationSetName = aws.String(a.configSet)
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(msg.To), err)
		return "", classifySESError(err)
	}

	providerID := ""
	if result.MessageId != nil {
		providerID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), providerID)
	return providerID, nil
}

func classifySESError(err error) error {
	var (
		rejected   *types.MessageRejected
		suspended  *types.AccountSuspendedException
		paused     *types.SendingPausedException
		notFound   *types.NotFoundException
		badRequest *types.BadRequestException
		throttled  *types.TooManyRequestsException
		limit      *types.LimitExceededException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &suspended),
		errors.As(err, &paused),
		errors.As(err, &notFound),
		errors.As(err, &badRequest):
		return Permanent(err)
	case errors.As(err, &throttled), errors.As(err, &limit):
		return Transient(err)
	}
	// Network errors, timeouts, 5xx: retry
	return Transient(err)
}
