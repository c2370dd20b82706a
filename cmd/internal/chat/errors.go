package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to ack reasons / HTTP status codes).
var (
	ErrInvalidParticipants = errors.New("invalid_participants")
	ErrInvalidMessage      = errors.New("invalid_message")
	ErrStoreUnavailable    = errors.New("store_unavailable")
	ErrNotFound            = errors.New("not_found")

	// ErrConflict is returned by stores when a conversation for the pair already exists.
	// Service absorbs it; callers of Service never see it.
	ErrConflict = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and may include the underlying store error text.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// storeFailure maps an arbitrary persistence error to ErrStoreUnavailable,
// keeping the kinds the store already classified.
func storeFailure(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidParticipants):
		return err
	default:
		return OpError{Op: op, Kind: ErrStoreUnavailable, Msg: err.Error()}
	}
}

// Wire reason codes.
const (
	ReasonInvalidParticipants = "invalid_participants"
	ReasonInvalidMessage      = "invalid_message"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonNotFound            = "not_found"
	ReasonInternal            = "internal_error"
)

// Reason maps err to a stable reason code for acknowledgements and API errors.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParticipants):
		return ReasonInvalidParticipants
	case errors.Is(err, ErrInvalidMessage):
		return ReasonInvalidMessage
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}

// IsInvalidInput reports whether err is a validation failure (participants or message).
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidParticipants) || errors.Is(err, ErrInvalidMessage)
}
