package app

import "errors"

var (
	// ErrBotNotFound indicates the requested bot does not exist.
	ErrBotNotFound = errors.New("bot not found")
	// ErrInvalidInput indicates a missing bot id or empty message.
	ErrInvalidInput = errors.New("invalid input")
)

// RateLimitedError carries the bot's configured denial message so the
// transport can show it to the end user.
type RateLimitedError struct {
	Message string
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Message
}
