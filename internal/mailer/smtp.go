package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/config"
)

const (
	smtpDialTimeout    = 10 * time.Second
	smtpSessionTimeout = 2 * time.Minute
)

// SMTPSender delivers through an SMTP relay. Every message gets its own
// connection, bounded by the caller's context.
type SMTPSender struct {
	host           string
	port           int
	user           string
	pass           string
	previewURL     string
	dialTimeout    time.Duration
	sessionTimeout time.Duration
}

// NewSMTPSender creates a sender for the configured relay
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	logrus.WithFields(logrus.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
		"user": cfg.User,
	}).Info("Initializing SMTP sender")
	return &SMTPSender{
		host:           cfg.Host,
		port:           cfg.Port,
		user:           cfg.User,
		pass:           cfg.Pass,
		previewURL:     strings.TrimRight(cfg.PreviewBaseURL, "/"),
		dialTimeout:    smtpDialTimeout,
		sessionTimeout: smtpSessionTimeout,
	}
}

// Send delivers msg and returns its Message-ID
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	m, messageID, err := buildGomailMessage(msg)
	if err != nil {
		return Result{}, apperror.Permanent(err)
	}

	if err := s.deliver(ctx, m); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("send aborted: %w", ctxErr)
		}
		return Result{}, fmt.Errorf("smtp send via %s: %w", s.host, err)
	}

	res := Result{MessageID: messageID}
	if s.previewURL != "" {
		res.PreviewURL = s.previewURL + "/message/" + strings.Trim(messageID, "<>")
	}
	logrus.WithFields(logrus.Fields{
		"message_id":  res.MessageID,
		"preview_url": res.PreviewURL,
		"to":          msg.To,
	}).Info("Email sent via SMTP")
	return res, nil
}

// deliver runs one SMTP session. Cancelling ctx closes the connection, so no
// session outlives the call. The relay may still accept a message whose
// final reply was cut off that way; the ledger cannot see such a send and a
// retry delivers it again.
func (s *SMTPSender) deliver(ctx context.Context, m *gomail.Message) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.sessionTimeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, implicitTLS := conn.(*tls.Conn); !implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.user != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.user, s.pass, s.host)); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	send := gomail.SendFunc(func(from string, to []string, body io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := body.WriteTo(w); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(send, m); err != nil {
		return err
	}
	return c.Quit()
}

// dial opens implicit TLS on port 465 and plain TCP elsewhere
func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	d := &net.Dialer{Timeout: s.dialTimeout}
	if s.port == 465 {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: s.host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Close is a no-op; connections are opened per message
func (s *SMTPSender) Close() error {
	return nil
}

func buildGomailMessage(msg Message) (*gomail.Message, string, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid recipient address %q: %w", msg.To, err)
	}

	messageID := newMessageID(from.Address)
	m := gomail.NewMessage()
	m.SetAddressHeader("From", from.Address, from.Name)
	m.SetAddressHeader("To", to.Address, to.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.HTML)
	return m, messageID, nil
}
