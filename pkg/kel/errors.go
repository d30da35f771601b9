package kel

import (
	"errors"

	"github.com/relves/kerilog/pkg/types"
)

// Chain integrity errors. An append failing with one of these leaves the
// chain unchanged.
var (
	ErrInvalidPriorDigest = errors.New("invalid prior digest")
	ErrSequenceGap        = errors.New("sequence gap")
	ErrCommitmentMismatch = errors.New("commitment mismatch")
)

// Key configuration errors.
var (
	ErrEmptyKeySet          = errors.New("empty key set")
	ErrThresholdOutOfRange  = errors.New("threshold out of range")
	ErrInvalidWitnessConfig = errors.New("invalid witness configuration")
)

// Signature errors.
var (
	ErrThresholdNotMet  = errors.New("signature threshold not met")
	ErrInvalidSignature = errors.New("invalid signature")
)

var (
	// ErrUnknown is returned for identifiers with no chain.
	ErrUnknown = errors.New("unknown identifier")
	// ErrDuplicate is returned when an already accepted event is appended
	// again.
	ErrDuplicate = errors.New("duplicate event")
	// ErrMalformed aliases types.ErrMalformed so callers can test either.
	ErrMalformed = types.ErrMalformed
)

// IsIntegrityError reports whether err is a chain integrity failure.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrInvalidPriorDigest) ||
		errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrCommitmentMismatch)
}

// IsThresholdError reports whether err is a signature or key threshold failure.
func IsThresholdError(err error) bool {
	return errors.Is(err, ErrThresholdNotMet) || errors.Is(err, ErrThresholdOutOfRange)
}
