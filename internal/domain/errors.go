package domain

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w") and test with
// errors.Is.
var (
	// ErrAuthorizationRequired means an operator must supply a new
	// authorization code. Fatal to the current run.
	ErrAuthorizationRequired = errors.New("authorization required")

	// ErrAuthExhausted means the token retry budget is spent. Fatal.
	ErrAuthExhausted = errors.New("authorization retries exhausted")

	// ErrBrokerUnavailable covers HTTP, network and malformed-response
	// failures. Transient: skip this cycle and retry on the next one.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrReconciliationAnomaly marks a leg that could not be paired.
	ErrReconciliationAnomaly = errors.New("reconciliation anomaly")

	// ErrConfiguration marks an invalid per-symbol setting. The symbol is
	// skipped; the run continues.
	ErrConfiguration = errors.New("configuration error")
)

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthorizationRequired) || errors.Is(err, ErrAuthExhausted)
}
