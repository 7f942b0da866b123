// Package mailer sends rendered dispatches through a pluggable transport.
package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"dispatch-engine-go/internal/config"
)

// Message is one outbound email
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Result identifies an accepted message
type Result struct {
	MessageID  string `json:"messageId"`
	PreviewURL string `json:"previewUrl,omitempty"`
}

// Sender delivers a message or fails with a transport error
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
	Close() error
}

// New builds the sender selected by cfg.Transport
func New(ctx context.Context, cfg config.MailerConfig) (Sender, error) {
	switch cfg.Transport {
	case "smtp", "":
		return NewSMTPSender(cfg.SMTP), nil
	case "gmail":
		return NewGmailSender(ctx, cfg.Gmail)
	case "log":
		return NewLogSender(), nil
	default:
		return nil, fmt.Errorf("unsupported mail transport %q", cfg.Transport)
	}
}

// newMessageID returns an RFC 5322 msg-id in the sender's domain
func newMessageID(from string) string {
	domain := "dispatch-engine.local"
	if addr, err := mail.ParseAddress(from); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 && at < len(addr.Address)-1 {
			domain = addr.Address[at+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
