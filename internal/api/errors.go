package api

import "errors"

var (
	ErrMissingField    = errors.New("required field missing")
	ErrServiceDisabled = errors.New("service token not configured")
	ErrBadServiceToken = errors.New("invalid service token")
)
