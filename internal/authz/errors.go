package authz

import "errors"

var (
	ErrUnauthenticated = errors.New("user is not authenticated")
	ErrDenied          = errors.New("user not authorized for this room")
	ErrCourseNotFound  = errors.New("course not found")
	ErrUserNotFound    = errors.New("peer user not found")
	ErrInvalidRoom     = errors.New("invalid room descriptor")
)
