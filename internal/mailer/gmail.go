package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/config"
)

// GmailSender delivers through the Gmail API on behalf of one account
type GmailSender struct {
	service   *gmail.Service
	userEmail string
}

// NewGmailSender creates a sender authorised by an OAuth2 refresh token
func NewGmailSender(ctx context.Context, cfg config.GmailConfig) (*GmailSender, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
	tokenSource := oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	user := cfg.UserEmail
	if user == "" {
		user = "me"
	}
	return &GmailSender{service: service, userEmail: user}, nil
}

// Send delivers msg and returns its Message-ID
func (g *GmailSender) Send(ctx context.Context, msg Message) (Result, error) {
	raw, messageID, err := buildMIME(msg, time.Now())
	if err != nil {
		return Result{}, apperror.Permanent(err)
	}

	sent, err := g.service.Users.Messages.Send(g.userEmail, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return Result{}, fmt.Errorf("gmail send: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"gmail_id":   sent.Id,
		"to":         msg.To,
	}).Info("Email sent via Gmail API")
	return Result{MessageID: messageID}, nil
}

// Close is a no-op for the Gmail API
func (g *GmailSender) Close() error {
	return nil
}

// buildMIME renders msg as a single-part HTML RFC 5322 message
func buildMIME(msg Message, now time.Time) ([]byte, string, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid recipient address %q: %w", msg.To, err)
	}

	messageID := newMessageID(from.Address)

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	h.Set("Message-Id", messageID)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create MIME writer: %w", err)
	}
	if _, err := w.Write([]byte(msg.HTML)); err != nil {
		return nil, "", fmt.Errorf("failed to write MIME body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish MIME message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}
