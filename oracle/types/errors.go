package types

import "github.com/pkg/errors"

// Failure taxonomy of the coordinator. None of these is fatal to the daemon.
var (
	// ErrRegistration marks a single oracle that could not be registered; it is skipped.
	ErrRegistration = errors.New("oracle registration failed")
	// ErrEventDecode marks a status request that could not be decoded; it is dropped.
	ErrEventDecode = errors.New("status request decode failed")
	// ErrSubmission marks a response the ledger did not accept, including late responses to
	// requests that are already resolved.
	ErrSubmission = errors.New("oracle response submission failed")
	// ErrTransport marks a subscription-level failure; the stream is resubscribed.
	ErrTransport = errors.New("ledger transport failure")
)
