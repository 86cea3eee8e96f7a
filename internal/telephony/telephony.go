// Package telephony builds the dial link used when a visitor asks to call
// the sales line directly instead of talking to the assistant.
package telephony

import (
	"errors"
	"fmt"
	"time"
)

// DefaultNumber is the sales line dialled by default.
const DefaultNumber = "0500000000"

// DefaultDelay is how long the client shows the call toast before dialling.
const DefaultDelay = time.Second

// ErrInvalidNumber is returned by [DialURI] for malformed numbers.
var ErrInvalidNumber = errors.New("telephony: invalid number")

// DialURI returns the tel: URI for number. Only digits are allowed, with an
// optional leading '+'.
func DialURI(number string) (string, error) {
	if err := Validate(number); err != nil {
		return "", err
	}
	return "tel:" + number, nil
}

// Validate checks number without building a URI.
func Validate(number string) error {
	digits := number
	if len(digits) > 0 && digits[0] == '+' {
		digits = digits[1:]
	}
	if digits == "" {
		return fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidNumber, number)
		}
	}
	return nil
}
