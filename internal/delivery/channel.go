// Package delivery hands finished emails to an external provider.
package delivery

import (
	"context"
	"time"

	awsclient "artmarket-notifier/internal/common/aws"
	"artmarket-notifier/internal/common/config"
	"artmarket-notifier/internal/common/logger"
)

// Message is a fully rendered email.
type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
}

// Channel sends one message and returns the provider's message id.
// Failures are *errors.StandardError with code DELIVERY_FAILED carrying the
// provider response.
type Channel interface {
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
}

// Capability reports whether delivery is possible. It is decided once at
// startup; a process with an Unconfigured capability never selects rows.
type Capability interface {
	capability()
}

type Ready struct {
	Channel Channel
}

type Unconfigured struct {
	Reason string
}

func (Ready) capability()        {}
func (Unconfigured) capability() {}

// ChannelOf returns the channel of a Ready capability.
func ChannelOf(c Capability) (Channel, bool) {
	r, ok := c.(Ready)
	if !ok || r.Channel == nil {
		return nil, false
	}
	return r.Channel, true
}

const credentialCheckTimeout = 5 * time.Second

// FromConfig builds the delivery capability from mail settings.
func FromConfig(ctx context.Context, cfg config.MailConfig, log logger.Logger) Capability {
	log = logger.ForComponent(log, "delivery")

	switch cfg.Provider {
	case config.ProviderSES:
		ctx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
		defer cancel()

		client, err := awsclient.NewSESClient(ctx, cfg.SES.Region)
		if err != nil {
			log.Warn("ses credentials unavailable, delivery disabled", map[string]interface{}{
				"region": cfg.SES.Region,
				"error":  err.Error(),
			})
			return Unconfigured{Reason: "ses: " + err.Error()}
		}
		log.Info("delivery channel ready", map[string]interface{}{"provider": config.ProviderSES, "region": cfg.SES.Region})
		return Ready{Channel: NewSESChannel(client, cfg.FromEmail)}

	case config.ProviderSMTP:
		if cfg.SMTP.Host == "" {
			return Unconfigured{Reason: "smtp: host not set"}
		}
		log.Info("delivery channel ready", map[string]interface{}{"provider": config.ProviderSMTP, "host": cfg.SMTP.Host})
		return Ready{Channel: NewSMTPChannel(SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			UseTLS:   cfg.SMTP.UseTLS,
		}, cfg.FromEmail)}

	default:
		log.Info("no mail provider configured, delivery disabled", nil)
		return Unconfigured{Reason: "mail provider not configured"}
	}
}
