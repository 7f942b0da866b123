package mailer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSender accepts every message without delivering it
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (LogSender) Send(ctx context.Context, msg Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := Result{MessageID: newMessageID(msg.From)}
	logrus.WithFields(logrus.Fields{
		"message_id": res.MessageID,
		"from":       msg.From,
		"to":         msg.To,
		"subject":    msg.Subject,
	}).Info("Dry-run transport accepted email")
	return res, nil
}

func (LogSender) Close() error {
	return nil
}
