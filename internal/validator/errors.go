package validator

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned when the payload is not a JSON object
var ErrMalformedMessage = errors.New("malformed message")

// MissingFieldError reports a required field that is absent, null or empty
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// InvalidTypeError reports a field whose JSON type does not match the contract
type InvalidTypeError struct {
	Field string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid type for field %q", e.Field)
}
