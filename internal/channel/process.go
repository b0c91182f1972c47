package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/bus"
	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/types"
)

// outcome is what happened to one delivery.
type outcome string

const (
	outcomeCommitted  outcome = "committed"
	outcomeDropped    outcome = "dropped"
	outcomeSoftFail   outcome = "soft_failure"
	outcomeRolledBack outcome = "rolled_back"
)

var numMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paybridge",
		Name:      "channel_messages_total",
		Help:      "Deliveries processed per channel, by outcome.",
	},
	[]string{"listener", "channel", "outcome"},
)

// process handles one delivery, acknowledges it and returns what happened
// to it. Caller holds procMu.
func (w *Worker) process(ctx context.Context, sub bus.Subscription, d *bus.Delivery) outcome {
	w.mu.Lock()
	policy, s := w.policy, w.sink
	w.mu.Unlock()

	attrs := d.Message.Attributes
	out, err := w.handle(ctx, policy, s, d)

	log := w.log.With(
		zap.String("merchant", attrs.MerchantID),
		zap.String("message", attrs.Key().String()))

	switch out {
	case outcomeRolledBack:
		log.Warn("Message rolled back", zap.Error(err))
		if rerr := sub.Rollback(ctx, d); rerr != nil {
			log.Error("Rollback failed", zap.Error(rerr))
		}
	default:
		if out == outcomeSoftFail {
			log.Warn("Message not retried", zap.Error(err))
		}
		if cerr := sub.Commit(ctx, d); cerr != nil {
			// redelivered later
			log.Error("Commit failed", zap.Error(cerr))
			out = outcomeRolledBack
		}
	}

	numMessages.With(prometheus.Labels{
		"listener": policy.ListenerType,
		"channel":  policy.ChannelID,
		"outcome":  string(out),
	}).Inc()
	return out
}

// handle runs one delivery through decoding, the transform pipeline and the
// sink, and decides its outcome. On a committed statistics-sink message the
// statistics engine is updated.
func (w *Worker) handle(ctx context.Context, policy *types.ChannelPolicy, s sink.Sink, d *bus.Delivery) (outcome, error) {
	attrs := d.Message.Attributes
	body := d.Message.Body

	if attrs.Encrypted {
		if w.deps.Cipher == nil {
			return outcomeRolledBack, types.ErrNoCipher
		}
		plain, err := w.deps.Cipher.Decrypt(string(body), attrs.IV)
		if err != nil {
			return outcomeRolledBack, fmt.Errorf("%w: envelope: %v", types.ErrDecrypt, err)
		}
		body = plain
	}

	key := attrs.Key()
	def, known := w.deps.Catalog.Lookup(key)
	if !known || !policy.Accepts(key) || !policy.AcceptsMerchant(attrs.MerchantID) {
		w.log.Debug("Message dropped",
			zap.String("message", key.String()),
			zap.Bool("known", known))
		return outcomeDropped, nil
	}

	var mp *types.MessagePolicy
	if p, ok := policy.PolicyFor(key); ok {
		mp = &p
	}
	res, err := w.deps.Pipeline.Run(def, mp, body)
	if err != nil {
		return outcomeRolledBack, fmt.Errorf("transform: %w", err)
	}
	attrs.Status = res.Columns.Status

	env := &sink.Envelope{
		Attributes: attrs,
		Body:       res.Body,
		Columns:    res.Columns,
		CardFlag:   res.CardFlag,
		CardValue:  res.CardValue,
	}

	w.sinkMu.Lock()
	accepted, err := s.HandleMessage(ctx, env)
	w.sinkMu.Unlock()

	switch {
	case errors.Is(err, types.ErrSoftFailure):
		return outcomeSoftFail, err
	case err != nil:
		return outcomeRolledBack, fmt.Errorf("sink: %w", err)
	case !accepted:
		return outcomeRolledBack, errors.New("sink rejected message")
	}

	if w.deps.Stats != nil && sink.CountsStatistics(s) {
		w.deps.Stats.Count(attrs)
	}
	return outcomeCommitted, nil
}
