package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// SESAPI is the subset of the SES v2 client used for sending.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers notification emails through Amazon SES v2.
type SESSender struct {
	client SESAPI
	from   Sender
	// configSet routes SES events (bounces, deliveries) for the tags below.
	configSet string
	logger    *logging.Logger
}

// NewSESSender returns nil without a client.
func NewSESSender(client SESAPI, from Sender, configSet string, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESSender{client: client, from: from.withDefaults(), configSet: configSet, logger: logger}
}

// Send implements EmailSender.
func (s *SESSender) Send(ctx context.Context, e Email) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.from.Name, s.from.Email)),
		Destination:      &types.Destination{ToAddresses: []string{e.To.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8(e.Content.Subject),
				Body: &types.Body{
					Text: utf8(e.Content.Body),
					Html: utf8(e.HTML()),
				},
			},
		},
		EmailTags: sesTags(e),
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("notify: ses %s: %w", e.Kind, err)
	}
	s.logger.Debug("email sent", "provider", "ses", "notification_id", e.NotificationID,
		"kind", e.Kind, "ses_message_id", aws.ToString(out.MessageId))
	return nil
}

func utf8(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

func sesTags(e Email) []types.MessageTag {
	var tags []types.MessageTag
	if e.NotificationID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("notification_id"), Value: aws.String(sesTagValue(e.NotificationID))})
	}
	if e.Kind != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("kind"), Value: aws.String(sesTagValue(string(e.Kind)))})
	}
	return tags
}

// sesTagValue maps s onto the [A-Za-z0-9_-] alphabet SES accepts.
func sesTagValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ EmailSender = (*SESSender)(nil)
