package bootstrap

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	amqp "github.com/rabbitmq/amqp091-go"

	appconfig "github.com/wolfman30/clinic-appointments/internal/config"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

const memoryQueueBuffer = 256

// NeedsAWS reports whether the configured queue or email provider talks to AWS.
func NeedsAWS(cfg *appconfig.Config) bool {
	return cfg != nil && (cfg.NotifyQueueDriver == "sqs" || cfg.EmailProvider == "ses")
}

// BuildQueue opens the notification queue selected by NOTIFY_QUEUE_DRIVER.
// The returned close func is never nil. awsCfg is only read for sqs.
func BuildQueue(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.Queue, func(), error) {
	noop := func() {}
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.NotifyQueueDriver {
	case "", "memory":
		logger.Info("using in-memory notification queue")
		return notify.NewMemoryQueue(memoryQueueBuffer), noop, nil
	case "sqs":
		if awsCfg == nil {
			return nil, noop, fmt.Errorf("bootstrap: sqs queue requires aws config")
		}
		q, err := notify.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.NotifyQueueURL)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using sqs notification queue", "queue_url", cfg.NotifyQueueURL)
		return q, noop, nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, noop, fmt.Errorf("bootstrap: amqp channel: %w", err)
		}
		q, err := notify.NewAMQPQueue(ch, cfg.NotifyQueueName)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, noop, err
		}
		logger.Info("using amqp notification queue", "queue", cfg.NotifyQueueName)
		return q, func() {
			ch.Close()
			conn.Close()
		}, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown notification queue driver %q", cfg.NotifyQueueDriver)
	}
}

// BuildEmailSender picks the email provider. Missing credentials fall back
// to the logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	fromName := cfg.SendGridFromName
	if fromName == "" {
		fromName = cfg.ClinicName
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		from := notify.Sender{Email: cfg.SendGridFromEmail, Name: fromName}
		if s := notify.NewSendGridSender(cfg.SendGridAPIKey, from, logger); s != nil {
			return s
		}
		logger.Warn("sendgrid selected but not configured; using stub email sender")
	case "ses":
		if awsCfg != nil && cfg.SESFromEmail != "" {
			from := notify.Sender{Email: cfg.SESFromEmail, Name: fromName}
			if s := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), from, cfg.SESConfigurationSet, logger); s != nil {
				return s
			}
		}
		logger.Warn("ses selected but not configured; using stub email sender")
	}
	return notify.NewStubEmailSender(logger)
}

// BuildSMSSender returns the Telnyx sender, or the logging stub when Telnyx
// is not configured.
func BuildSMSSender(cfg *appconfig.Config, logger *logging.Logger) notify.SMSSender {
	if s := notify.NewTelnyxSender(notify.TelnyxConfig{
		APIKey:     cfg.TelnyxAPIKey,
		FromNumber: cfg.TelnyxFromNumber,
	}, logger); s != nil {
		return s
	}
	return notify.NewStubSMSSender(logger)
}
