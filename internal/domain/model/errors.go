package model

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("%w: ...") and
// branch with errors.Is.
var (
	// ErrValidation marks bad input: window sizes, thresholds, malformed requests.
	// Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown entity or missing row.
	ErrNotFound = errors.New("not found")
	// ErrModelUnavailable marks a missing, corrupt or unsupported model artifact.
	// It triggers the fallback predictor and is not surfaced to callers.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrComputation marks a per-item computation failure such as a feature
	// order mismatch.
	ErrComputation = errors.New("computation error")
	// ErrPersistence marks a store failure that survived bounded retries.
	ErrPersistence = errors.New("persistence error")
)

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrComputation)
}
