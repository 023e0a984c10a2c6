// Package errors defines the error taxonomy for the conngate admission
// chain. Every rejection a caller can observe — an exhausted pool, a
// saturated scheduler, an open circuit, a throttled client — is a
// structured *GateError with a machine-readable code and a retryable
// classification.
//
// Backend failures are the one exception: the underlying error is wrapped
// so it unwraps unchanged and is never rewritten.
package errors
