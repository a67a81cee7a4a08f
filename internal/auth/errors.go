package auth

import "errors"

var (
	ErrMissingToken  = errors.New("missing access token")
	ErrInvalidToken  = errors.New("invalid access token")
	ErrUnknownUser   = errors.New("token subject does not exist")
	ErrMissingSecret = errors.New("jwt secret is not configured")
)
