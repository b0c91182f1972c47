// Package types provides domain models shared across paybridge components.
//
// The package carries no behaviour beyond value helpers: message envelopes,
// channel policies, lifecycle states and the selector rule structures consumed
// by internal/rules. Policies are value snapshots; callers crossing the
// registry -> worker boundary take a Clone.
package types

import (
	"strconv"
	"time"
)

// Protocol identifies the card-scheme protocol a message was exchanged under.
type Protocol string

const (
	ProtocolNone Protocol = "none"
	ProtocolVisa Protocol = "visaSupport"
	ProtocolMC   Protocol = "mcSupport"

	// ProtocolAll is the synthetic bucket that sums every other protocol.
	ProtocolAll Protocol = "all"
)

// Protocols lists the concrete protocols, excluding ProtocolAll.
func Protocols() []Protocol {
	return []Protocol{ProtocolNone, ProtocolVisa, ProtocolMC}
}

// ParseProtocol maps an attribute value onto a Protocol.
// Unknown and empty values map to ProtocolNone.
func ParseProtocol(s string) Protocol {
	switch Protocol(s) {
	case ProtocolVisa:
		return ProtocolVisa
	case ProtocolMC:
		return ProtocolMC
	default:
		return ProtocolNone
	}
}

// Attribute names carried by the bus envelope.
const (
	AttrMerchantID     = "merchantId"
	AttrMessageType    = "messageType"
	AttrMessageVersion = "messageVersion"
	AttrProtocol       = "protocol"
	AttrTimestamp      = "timestamp"
	AttrMessageID      = "messageId"
	AttrEncrypted      = "encrypted"
	AttrIV             = "iv"
)

// Attributes is the decoded envelope of an inbound message.
type Attributes struct {
	MerchantID     string
	MessageType    string
	MessageVersion string
	Protocol       Protocol
	Timestamp      time.Time
	MessageID      string
	Encrypted      bool
	IV             string

	// Status is filled from the audit columns once the body has been
	// transformed; the status counters key on it.
	Status string

	// Extra holds envelope attributes without a dedicated field.
	Extra map[string]string
}

// Key returns the message key of the envelope.
func (a Attributes) Key() MessageKey {
	return MessageKey{Type: a.MessageType, Version: a.MessageVersion}
}

// Fields flattens the attributes into the map selectors evaluate against.
func (a Attributes) Fields() map[string]any {
	m := make(map[string]any, 6+len(a.Extra))
	for k, v := range a.Extra {
		m[k] = v
	}
	m[AttrMerchantID] = a.MerchantID
	m[AttrMessageType] = a.MessageType
	m[AttrMessageVersion] = a.MessageVersion
	m[AttrProtocol] = string(a.Protocol)
	if a.MessageID != "" {
		m[AttrMessageID] = a.MessageID
	}
	return m
}

// ParseAttributes decodes a raw header map into Attributes.
// Timestamps are accepted as RFC 3339 or unix milliseconds; a missing or
// unparseable timestamp leaves the zero time.
func ParseAttributes(raw map[string]string) Attributes {
	a := Attributes{
		MerchantID:     raw[AttrMerchantID],
		MessageType:    raw[AttrMessageType],
		MessageVersion: raw[AttrMessageVersion],
		Protocol:       ParseProtocol(raw[AttrProtocol]),
		MessageID:      raw[AttrMessageID],
		IV:             raw[AttrIV],
	}
	a.Encrypted, _ = strconv.ParseBool(raw[AttrEncrypted])
	if ts := raw[AttrTimestamp]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			a.Timestamp = t
		} else if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			a.Timestamp = time.UnixMilli(ms)
		}
	}
	for k, v := range raw {
		switch k {
		case AttrMerchantID, AttrMessageType, AttrMessageVersion, AttrProtocol,
			AttrTimestamp, AttrMessageID, AttrEncrypted, AttrIV:
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]string)
		}
		a.Extra[k] = v
	}
	return a
}

// Headers is the inverse of ParseAttributes.
func (a Attributes) Headers() map[string]string {
	h := make(map[string]string, 8+len(a.Extra))
	for k, v := range a.Extra {
		h[k] = v
	}
	h[AttrMerchantID] = a.MerchantID
	h[AttrMessageType] = a.MessageType
	h[AttrMessageVersion] = a.MessageVersion
	h[AttrProtocol] = string(a.Protocol)
	if !a.Timestamp.IsZero() {
		h[AttrTimestamp] = a.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if a.MessageID != "" {
		h[AttrMessageID] = a.MessageID
	}
	if a.Encrypted {
		h[AttrEncrypted] = "true"
		h[AttrIV] = a.IV
	}
	return h
}

// Message is an inbound bus message: envelope plus structured JSON body.
type Message struct {
	Attributes Attributes
	Body       []byte
}

// CardNumberFlag records how the card number was stored in an audit row.
type CardNumberFlag string

const (
	CardEncrypted CardNumberFlag = "encrypted"
	CardMasked    CardNumberFlag = "masked"
	CardPlain     CardNumberFlag = "plain"
	CardNone      CardNumberFlag = "none"
)

// ChannelState is the lifecycle state of a channel worker, and the desired
// status of a channel policy.
type ChannelState string

const (
	StateNotInitialized ChannelState = "not-initialized"
	StateStopped        ChannelState = "stopped"
	StateRunning        ChannelState = "running"
	StateException      ChannelState = "exception"
)

// Resource limits.
const (
	// MaxPathDepth bounds field path resolution in selectors and transforms.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion in field paths.
	MaxNestedWildcards = 2

	// MaxInOperatorValues bounds the IN list of a selector condition.
	// Merchant lists are the only producer; 4096 covers the largest
	// acquirer deployments seen in configuration.
	MaxInOperatorValues = 4096

	// MaxBodySize bounds the size of an inbound message body.
	MaxBodySize = 1024 * 1024
)
