package store

import "errors"

// ErrOutOfCredits is returned by ConsumeCredits when the owner's balance is
// below the requested amount (or the owner has no balance row). Callers
// branch on it with errors.Is to map the condition to a payment-required
// response instead of a generic failure.
var ErrOutOfCredits = errors.New("out of credits")
