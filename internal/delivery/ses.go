package delivery

import (
	"context"

	awsclient "artmarket-notifier/internal/common/aws"
	apperrors "artmarket-notifier/internal/common/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

const charsetUTF8 = "UTF-8"

// SESChannel sends through Amazon SES.
type SESChannel struct {
	client      awsclient.SESAPI
	defaultFrom string
}

func NewSESChannel(client awsclient.SESAPI, defaultFrom string) *SESChannel {
	return &SESChannel{client: client, defaultFrom: defaultFrom}
}

func (c *SESChannel) Name() string { return "ses" }

func (c *SESChannel) Send(ctx context.Context, msg Message) (string, error) {
	from := msg.From
	if from == "" {
		from = c.defaultFrom
	}

	body := &types.Body{
		Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String(charsetUTF8)},
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String(charsetUTF8)}
	}

	out, err := c.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charsetUTF8)},
			Body:    body,
		},
		Source: aws.String(from),
	})
	if err != nil {
		return "", apperrors.NewDeliveryError(c.Name(), err.Error(), err)
	}
	return aws.ToString(out.MessageId), nil
}
