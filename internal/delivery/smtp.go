package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	apperrors "artmarket-notifier/internal/common/errors"

	"github.com/google/uuid"
)

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// SMTPChannel sends through an SMTP relay, upgrading with STARTTLS when UseTLS is set.
type SMTPChannel struct {
	settings    SMTPSettings
	defaultFrom string
	// send is swapped in tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPChannel(settings SMTPSettings, defaultFrom string) *SMTPChannel {
	c := &SMTPChannel{settings: settings, defaultFrom: defaultFrom}
	if settings.UseTLS {
		c.send = c.sendWithTLS
	} else {
		c.send = smtp.SendMail
	}
	return c
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewDeliveryError(c.Name(), "context cancelled before sending", err)
	}
	if msg.From == "" {
		msg.From = c.defaultFrom
	}

	messageID := c.messageID()
	raw := buildMessage(msg, messageID, time.Now())

	var auth smtp.Auth
	if c.settings.Username != "" && c.settings.Password != "" {
		auth = smtp.PlainAuth("", c.settings.Username, c.settings.Password, c.settings.Host)
	}

	addr := fmt.Sprintf("%s:%d", c.settings.Host, c.settings.Port)
	if err := c.send(addr, auth, msg.From, []string{msg.To}, raw); err != nil {
		return "", apperrors.NewDeliveryError(c.Name(), err.Error(), err)
	}
	return messageID, nil
}

func (c *SMTPChannel) messageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), c.settings.Host)
}

func (c *SMTPChannel) sendWithTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	if err = client.StartTLS(&tls.Config{ServerName: c.settings.Host}); err != nil {
		return fmt.Errorf("failed to start TLS: %w", err)
	}

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err = client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// buildMessage renders RFC 5322 headers and the body. With a text part the
// body becomes multipart/alternative, text first.
func buildMessage(msg Message, messageID string, now time.Time) []byte {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", encodeHeader(msg.Subject)))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	b.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	b.WriteString("MIME-Version: 1.0\r\n")

	if msg.Text == "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(msg.HTML)
		return []byte(b.String())
	}

	boundary := "alt-" + strings.ReplaceAll(uuid.New().String(), "-", "")
	b.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Text)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.HTML)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}

// encodeHeader Q-encodes non-ASCII subjects such as Arabic templates.
func encodeHeader(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}
