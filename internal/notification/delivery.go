package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
)

// LogDelivery writes messages to the log instead of sending them.
type LogDelivery struct {
	logger zerolog.Logger
}

// NewLogDelivery creates a LogDelivery.
func NewLogDelivery(logger zerolog.Logger) *LogDelivery {
	return &LogDelivery{logger: logger.With().Str("delivery", "log").Logger()}
}

// Send logs the envelope at info and the body at debug.
func (d *LogDelivery) Send(_ context.Context, msg Message) error {
	d.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("notification")
	d.logger.Debug().Str("to", msg.To).Str("body", msg.Body).Msg("notification body")
	return nil
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDelivery sends messages through an SMTP relay.
type SMTPDelivery struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewSMTPDelivery creates an SMTPDelivery. Auth is skipped when no username is configured.
func NewSMTPDelivery(cfg config.SMTPConfig, from string) *SMTPDelivery {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPDelivery{
		addr:     cfg.Addr(),
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// Send writes a plain-text RFC 5322 message.
func (d *SMTPDelivery) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", d.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	if err := d.sendMail(d.addr, d.auth, d.from, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", d.addr, err)
	}
	return nil
}

// streamAdder is the part of redis.Cmdable used to publish messages.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamDelivery publishes messages to a Redis stream for an external mailer.
type RedisStreamDelivery struct {
	client streamAdder
	stream string
}

// NewRedisStreamDelivery creates a RedisStreamDelivery.
func NewRedisStreamDelivery(client redis.Cmdable, stream string) *RedisStreamDelivery {
	return &RedisStreamDelivery{client: client, stream: stream}
}

// Send appends the message as a JSON payload.
func (d *RedisStreamDelivery) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{"to": msg.To, "payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", d.stream, err)
	}
	return nil
}

// NewDelivery builds the configured transport wrapped in retries.
// rdb may be nil unless the delivery is "redis".
func NewDelivery(cfg config.NotificationConfig, rdb redis.Cmdable, logger zerolog.Logger) (MessageDelivery, error) {
	var d MessageDelivery
	switch cfg.Delivery {
	case "log", "":
		return NewLogDelivery(logger), nil
	case "smtp":
		d = NewSMTPDelivery(cfg.SMTP, cfg.From)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis delivery requires a redis client")
		}
		d = NewRedisStreamDelivery(rdb, cfg.Stream)
	default:
		return nil, fmt.Errorf("unsupported notification delivery: %s", cfg.Delivery)
	}
	return NewRetryingDelivery(d, cfg.Retry, logger), nil
}
