package types

import (
	"time"

	"github.com/google/uuid"
)

// NewMessageID generates a UUIDv7 message identifier for envelopes that
// arrive without one. Panics on clock regression (uuid.Must).
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewNotificationID generates a UUIDv7 identifier for an audit notification.
func NewNotificationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseMessageID validates a UUID-shaped message id.
func ParseMessageID(s string) (string, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return s, nil
}

// MessageIDTime extracts the timestamp embedded in a UUIDv7 id.
// Returns zero time for ids that are not UUIDs.
func MessageIDTime(id string) time.Time {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
