package types

import "errors"

var (
	ErrInvalidID       = errors.New("identifier must be a positive integer")
	ErrMalformedFrame  = errors.New("frame must be a JSON object with a string message field")
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrContentTooLarge = errors.New("message content exceeds 64KB limit")
)
