package aggregate

import "errors"

var (
	// ErrQuorumNotMet signals that fewer providers answered than the
	// configured quorum requires. Retryable by the caller.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrUnreliable signals that providers answered but disagreed beyond
	// tolerance. Distinct from ErrQuorumNotMet because it indicates data
	// inconsistency rather than unavailability.
	ErrUnreliable = errors.New("observations disagree beyond tolerance")
)
