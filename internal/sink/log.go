package sink

import (
	"context"

	"go.uber.org/zap"
)

// KindLog logs every accepted message.
const KindLog = "log"

// Log is a diagnostics sink. Config keys: body ("true" logs the body).
type Log struct {
	Base
	log *zap.Logger
}

// NewLog is the Factory of KindLog.
func NewLog(id Identity, log *zap.Logger) (Sink, error) {
	return &Log{log: log.With(zap.String("channel", id.String()))}, nil
}

func (l *Log) HandleMessage(_ context.Context, env *Envelope) (bool, error) {
	fields := []zap.Field{
		zap.String("merchant", env.Attributes.MerchantID),
		zap.String("message", env.Attributes.Key().String()),
		zap.String("protocol", string(env.Attributes.Protocol)),
		zap.String("message_id", env.Columns.MessageID),
		zap.String("status", env.Columns.Status),
		zap.String("card_flag", string(env.CardFlag)),
	}
	if l.Config("body") == "true" {
		fields = append(fields, zap.ByteString("body", env.Body))
	}
	l.log.Info("Message received", fields...)
	return true, nil
}
