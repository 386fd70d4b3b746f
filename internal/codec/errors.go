package codec

import (
	"strings"
)

// DecodeError contains the diagnostics of a payload that could not be
// decoded. Errors is never empty. Warnings is reserved and always empty.
type DecodeError struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func newDecodeError(msg string) *DecodeError {
	return &DecodeError{
		Errors:   []string{msg},
		Warnings: []string{},
	}
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return strings.Join(e.Errors, "; ")
}
