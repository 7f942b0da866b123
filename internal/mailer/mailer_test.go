package mailer

import (
	"context"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/config"
)

// smtpServer is a scripted relay speaking just enough SMTP for one message
type smtpServer struct {
	ln        net.Listener
	rcptReply string
	silent    bool

	mu   sync.Mutex
	data []string
}

func startSMTPServer(t *testing.T, rcptReply string, silent bool) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &smtpServer{ln: ln, rcptReply: rcptReply, silent: silent}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *smtpServer) config() config.SMTPConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return config.SMTPConfig{Host: "127.0.0.1", Port: addr.Port, PreviewBaseURL: "https://ethereal.email/"}
}

func (s *smtpServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *smtpServer) session(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	if s.silent {
		// hold the connection open without a greeting
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	reply := func(line string) { _ = tp.PrintfLine("%s", line) }
	reply("220 smtp.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		switch verb := strings.ToUpper(strings.Fields(line + " x")[0]); verb {
		case "EHLO", "HELO":
			reply("250 smtp.test")
		case "MAIL":
			reply("250 OK")
		case "RCPT":
			reply(s.rcptReply)
		case "DATA":
			reply("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = append(s.data, strings.Join(lines, "\n"))
			s.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *smtpServer) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data...)
}

func testMessage() Message {
	return Message{
		From:    `"Dev Tester" <dev@dispatch-engine.local>`,
		To:      "alice@example.com",
		Subject: "Hello",
		HTML:    "<p>Hi Alice</p>",
	}
}

func TestSMTPSenderSend(t *testing.T) {
	srv := startSMTPServer(t, "250 OK", false)
	s := NewSMTPSender(srv.config())

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(res.MessageID, "@dispatch-engine.local>"))
	assert.Equal(t, "https://ethereal.email/message/"+strings.Trim(res.MessageID, "<>"), res.PreviewURL)

	msgs := srv.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Subject: Hello")
	assert.Contains(t, msgs[0], "Message-ID: "+res.MessageID)
	assert.Contains(t, msgs[0], "dev@dispatch-engine.local")
	assert.Contains(t, msgs[0], "<p>Hi Alice</p>")
}

func TestSMTPSenderTransportError(t *testing.T) {
	srv := startSMTPServer(t, "550 mailbox unavailable", false)
	s := NewSMTPSender(srv.config())

	_, err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox unavailable")
	assert.Empty(t, srv.messages())
}

func TestSMTPSenderHonoursContext(t *testing.T) {
	srv := startSMTPServer(t, "250 OK", true)
	s := NewSMTPSender(srv.config())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Send(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "the session ends with the context")
}

func TestSMTPSenderSessionTimeout(t *testing.T) {
	srv := startSMTPServer(t, "250 OK", true)
	s := NewSMTPSender(srv.config())
	s.sessionTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSenderRejectsBadAddress(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1})
	msg := testMessage()
	msg.To = "not an address"

	_, err := s.Send(context.Background(), msg)
	assert.Error(t, err)
	assert.True(t, apperror.IsPermanent(err), "a malformed address cannot succeed on retry")
}

func TestBuildMIME(t *testing.T) {
	raw, messageID, err := buildMIME(testMessage(), time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	out := string(raw)
	assert.Contains(t, out, "Subject: Hello")
	assert.Contains(t, out, "text/html")
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, messageID)
	assert.Contains(t, out, "<p>Hi Alice</p>")
}

func TestLogSender(t *testing.T) {
	res, err := NewLogSender().Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLogSender().Send(ctx, testMessage())
	assert.Error(t, err)
}

func TestNewSelectsTransport(t *testing.T) {
	s, err := New(context.Background(), config.MailerConfig{Transport: "log"})
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = New(context.Background(), config.MailerConfig{Transport: "smtp", SMTP: config.SMTPConfig{Host: "localhost", Port: 25}})
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	_, err = New(context.Background(), config.MailerConfig{Transport: "pigeon"})
	assert.Error(t, err)
}

func TestNewMessageID(t *testing.T) {
	assert.True(t, strings.HasSuffix(newMessageID("a@example.org"), "@example.org>"))
	assert.True(t, strings.HasSuffix(newMessageID("garbage"), "@dispatch-engine.local>"))
}
