package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Capture-path errors are synchronous: the operator must see them immediately.
var (
	// ErrorCapture indicates the local store could not persist a capture.
	// This is fatal for the sale in progress and must never be swallowed.
	ErrorCapture = errors.New("local capture failed")

	// ErrorValidation indicates bad input rejected before anything is queued.
	ErrorValidation = errors.New("validation failed")
)

// Sync-path errors are isolated per transaction and aggregated per pass.
var (
	// ErrorIntegrity indicates the stored payload no longer matches its hash.
	ErrorIntegrity = errors.New("payload integrity check failed")

	// ErrorTransport indicates a timeout or unreachable dependency. Retryable.
	ErrorTransport = errors.New("transport failure")

	// ErrorDeclined indicates the gateway rejected a store-and-forward payment
	// after the fact. A business outcome, not an infra failure.
	ErrorDeclined = errors.New("payment declined by gateway")
)

var (
	// ErrorInvalidTransition indicates a sync_status change the state machine forbids.
	ErrorInvalidTransition = errors.New("invalid status transition")

	// ErrorSyncInProgress indicates another sync pass holds the terminal lease.
	ErrorSyncInProgress = errors.New("sync already in progress for terminal")
)
