package notify

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const (
	attributeSMSType   = "AWS.SNS.SMS.SMSType"
	attributeSenderID  = "AWS.SNS.SMS.SenderID"
	smsTypeTransaction = "Transactional"
	dataTypeString     = "String"
)

// SNSPublisher is the slice of the SNS client used for SMS delivery.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink sends messages as transactional SMS through Amazon SNS.
type SNSSink struct {
	publisher SNSPublisher
	senderID  string
}

// NewSNSSink wraps an SNS client. senderID is optional.
func NewSNSSink(publisher SNSPublisher, senderID string) *SNSSink {
	return &SNSSink{publisher: publisher, senderID: senderID}
}

// NewSNSSinkFromEnvironment loads the default AWS configuration chain.
func NewSNSSinkFromEnvironment(ctx context.Context, region string, senderID string) (*SNSSink, error) {
	var options []func(*config.LoadOptions) error
	if region != "" {
		options = append(options, config.WithRegion(region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSSink(sns.NewFromConfig(awsConfig), senderID), nil
}

func (sink *SNSSink) Notify(ctx context.Context, recipient marketplace.Recipient, message string) error {
	if recipient.Phone.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoPhone, recipient.UserID)
	}
	attributes := map[string]types.MessageAttributeValue{
		attributeSMSType: {DataType: aws.String(dataTypeString), StringValue: aws.String(smsTypeTransaction)},
	}
	if sink.senderID != "" {
		attributes[attributeSenderID] = types.MessageAttributeValue{DataType: aws.String(dataTypeString), StringValue: aws.String(sink.senderID)}
	}
	_, err := sink.publisher.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(recipient.Phone.String()),
		Message:           aws.String(message),
		MessageAttributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
