package tel

import "errors"

// Anchoring errors. They are fatal to the TEL operation and never touch the
// owning key event log.
var (
	ErrMissingAnchor         = errors.New("missing anchor")
	ErrUnknownRegistry       = errors.New("unknown registry")
	ErrRegistryAlreadyExists = errors.New("registry already exists")
)

// ErrInvalidTransition is returned for events that do not follow from the
// credential's current state, such as revoking an unissued credential.
var ErrInvalidTransition = errors.New("invalid credential transition")

// IsAnchoringError reports whether err is one of the anchoring errors.
func IsAnchoringError(err error) bool {
	return errors.Is(err, ErrMissingAnchor) ||
		errors.Is(err, ErrUnknownRegistry) ||
		errors.Is(err, ErrRegistryAlreadyExists)
}
