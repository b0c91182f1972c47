package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/selector"
	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/types"
)

// SinkKind is the sink kind of audit channels.
const SinkKind = "audit"

// Sink writes every accepted message of its channel as an audit row.
// Accepted messages feed the statistics engine.
type Sink struct {
	sink.Base
	id    sink.Identity
	state *ChannelState
	log   *zap.Logger
}

// Factory returns the sink.Factory of SinkKind bound to m.
func Factory(m *Manager) sink.Factory {
	return func(id sink.Identity, log *zap.Logger) (sink.Sink, error) {
		return &Sink{
			id:    id,
			state: m.Channel(id),
			log:   log,
		}, nil
	}
}

// Configure applies threshold, max_rows and notify.
func (s *Sink) Configure(cfg map[string]string) error {
	limits, err := ParseLimits(cfg)
	if err != nil {
		return err
	}
	if err := s.Base.Configure(cfg); err != nil {
		return err
	}
	s.state.SetLimits(limits)
	return nil
}

func (s *Sink) CountsStatistics() bool { return true }

// AcceptsDynamicFilterChange is false: the cached counts belong to the old
// merchant set, so a filter change goes through a full resubscribe.
func (s *Sink) AcceptsDynamicFilterChange() bool { return false }

func (s *Sink) SetFilter(sum selector.Summary) {
	s.Base.SetFilter(sum)
	s.state.Reinitialize()
}

// Register reloads the stored counts.
func (s *Sink) Register(context.Context) error {
	s.state.Reinitialize()
	return nil
}

func (s *Sink) Unregister(context.Context) error {
	s.state.mgr.Remove(s.id)
	return nil
}

func (s *Sink) HandleMessage(ctx context.Context, env *sink.Envelope) (bool, error) {
	a := env.Attributes
	row := Row{
		MerchantID:     a.MerchantID,
		MessageID:      env.Columns.MessageID,
		MessageType:    a.MessageType,
		MessageVersion: a.MessageVersion,
		Protocol:       string(a.Protocol),
		Status:         env.Columns.Status,
		CardNumber:     env.CardValue,
		CardNumberFlag: string(env.CardFlag),
		TransactionID:  env.Columns.TransactionID,
		Body:           string(env.Body),
	}
	if row.MessageID == "" {
		row.MessageID = a.MessageID
	}
	if row.MessageID == "" {
		row.MessageID = types.NewMessageID()
	}
	if !a.Timestamp.IsZero() {
		row.PublishedAt = a.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	if err := s.state.Record(ctx, row); err != nil {
		if errors.Is(err, types.ErrSoftFailure) {
			s.log.Warn("Audit row not stored",
				zap.String("merchant", row.MerchantID),
				zap.String("message_id", row.MessageID),
				zap.Error(err))
		}
		return false, err
	}
	return true, nil
}
