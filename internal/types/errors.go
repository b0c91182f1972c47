package types

import "errors"

// Sentinel errors for paybridge operations.
var (
	// ErrBodyTooLarge indicates a message body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("message body exceeds maximum size")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrTooManyInValues indicates an IN operator exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("IN operator has too many values")

	// ErrEmptyExpression indicates a selector rule has no conditions.
	ErrEmptyExpression = errors.New("selector expression is empty")

	// ErrInvalidOperator indicates an unknown operator.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrMaskFormat indicates a malformed mask or format string.
	ErrMaskFormat = errors.New("malformed mask format")

	// ErrUnknownMessage indicates a (type, version) pair absent from the catalog.
	ErrUnknownMessage = errors.New("unknown message type or version")

	// ErrDuplicateChannel indicates a channel id is already registered.
	ErrDuplicateChannel = errors.New("channel already registered")

	// ErrChannelNotFound indicates no channel is registered under the id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrInvalidPolicy indicates a channel policy failed validation.
	ErrInvalidPolicy = errors.New("invalid channel policy")

	// ErrUnknownSinkKind indicates no sink factory is registered for a kind.
	ErrUnknownSinkKind = errors.New("unknown sink kind")

	// ErrSinkNotInitialized indicates the channel's sink failed to construct.
	ErrSinkNotInitialized = errors.New("sink not initialized")

	// ErrTransportClosed indicates a subscription was used after Close.
	ErrTransportClosed = errors.New("transport subscription closed")

	// ErrUnsupportedTransport indicates an unrecognised bus URL scheme.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrMalformedBody indicates a message body is not a valid JSON document.
	ErrMalformedBody = errors.New("malformed message body")

	// ErrNoCipher indicates encryption was required but no cipher is configured.
	ErrNoCipher = errors.New("no cipher configured")

	// ErrCounterNotFound indicates a statistics path names no counter.
	ErrCounterNotFound = errors.New("counter not found")

	// ErrSoftFailure marks a sink failure that must not be redelivered; the
	// message is acknowledged without counting it.
	ErrSoftFailure = errors.New("non-retryable sink failure")

	// ErrDecrypt indicates an encrypted envelope or field could not be decrypted.
	ErrDecrypt = errors.New("decryption failed")
)
