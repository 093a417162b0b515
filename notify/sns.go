package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/georgepadayatti/goesign/envelope"
)

// SNSAPI is the part of *sns.Client used by SNS.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes events as JSON messages to a topic. The event type is also
// sent as the "event_type" message attribute for subscription filters.
type SNS struct {
	Client   SNSAPI
	TopicARN string
}

// SNSOptions configures NewSNS.
type SNSOptions struct {
	TopicARN string
	Region   string
	Endpoint string
}

// NewSNS builds a client from the default AWS configuration chain.
func NewSNS(ctx context.Context, o SNSOptions) (*SNS, error) {
	if o.TopicARN == "" {
		return nil, errors.New("sns topic ARN is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(so *sns.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
	})
	return &SNS{Client: client, TopicARN: o.TopicARN}, nil
}

func (s *SNS) Notify(ctx context.Context, ev envelope.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = s.Client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.TopicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(ev.EventType),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(ev.EventType)},
			"entity_id":  {DataType: aws.String("String"), StringValue: aws.String(ev.EntityID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.EventType, err)
	}
	return nil
}
