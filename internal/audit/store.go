// Package audit persists accepted messages as audit rows and tracks the
// per-merchant row count of every audit channel.
package audit

import (
	"context"
	"fmt"

	"github.com/solatis/paybridge/internal/core/db"
)

// Row is one persisted audit record. The primary key is
// (MerchantID, MessageID, MessageType).
type Row struct {
	MerchantID     string `db:"merchant_id"`
	MessageID      string `db:"message_id"`
	MessageType    string `db:"message_type"`
	MessageVersion string `db:"message_version"`
	ListenerType   string `db:"listener_type"`
	ChannelID      string `db:"channel_id"`
	SequenceNo     int64  `db:"sequence_no"`
	PublishedAt    string `db:"published_at"`
	Protocol       string `db:"protocol"`
	Status         string `db:"status"`
	CardNumber     string `db:"card_number"`
	CardNumberFlag string `db:"card_number_flag"`
	TransactionID  string `db:"transaction_id"`
	Body           string `db:"body"`
	CreatedAt      string `db:"created_at"`
}

// RecordStore is where audit rows go.
type RecordStore interface {
	Insert(ctx context.Context, row Row) error
	CountRows(ctx context.Context, listenerType, channelID, merchantID string) (int64, error)
}

// SQLStore is the RecordStore backed by the audit database.
type SQLStore struct {
	q *db.Queries
}

// NewSQLStore wraps loaded queries. The schema must be migrated.
func NewSQLStore(q *db.Queries) *SQLStore {
	return &SQLStore{q: q}
}

func (s *SQLStore) Insert(ctx context.Context, r Row) error {
	_, err := s.q.Exec(ctx, "insert-audit-row",
		r.MerchantID, r.MessageID, r.MessageType, r.MessageVersion, r.ListenerType, r.ChannelID,
		r.SequenceNo, r.PublishedAt, r.Protocol, r.Status, r.CardNumber,
		r.CardNumberFlag, r.TransactionID, r.Body, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit row %s/%s: %w", r.MerchantID, r.MessageID, err)
	}
	return nil
}

func (s *SQLStore) CountRows(ctx context.Context, listenerType, channelID, merchantID string) (int64, error) {
	var n int64
	if err := s.q.Get(ctx, "count-audit-rows", &n, listenerType, channelID, merchantID); err != nil {
		return 0, fmt.Errorf("count audit rows for %s: %w", merchantID, err)
	}
	return n, nil
}

// List returns the rows of one merchant on one channel in sequence order.
func (s *SQLStore) List(ctx context.Context, listenerType, channelID, merchantID string) ([]Row, error) {
	var rows []Row
	if err := s.q.Select(ctx, "list-audit-rows", &rows, listenerType, channelID, merchantID); err != nil {
		return nil, fmt.Errorf("list audit rows for %s: %w", merchantID, err)
	}
	return rows, nil
}
