package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// ErrDeliveryFailed is returned when the message could not be built or handed to the SMTP server.
var ErrDeliveryFailed = errors.New("email delivery failed")

// Message is a single HTML email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// SMTPConfig holds connection settings for the outbound relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier sends messages through one SMTP server. A connection is opened per send.
type SMTPNotifier struct {
	from   string
	client sender
}

// NewSMTPNotifier builds the SMTP client. Auth is only negotiated when a username is set.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPNotifier{from: cfg.From, client: client}, nil
}

// Send delivers msg.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(n.from); err != nil {
		return fmt.Errorf("%w: from %q: %v", ErrDeliveryFailed, n.from, err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("%w: to %q: %v", ErrDeliveryFailed, msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)

	if err := n.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}
