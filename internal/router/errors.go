package router

import "errors"

var (
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrNilSender       = errors.New("message has no sender")
	ErrNotParticipant  = errors.New("sender is not a participant of the room")
	ErrPersistFailed   = errors.New("failed to persist message")
	ErrUnknownRoomKind = errors.New("unknown room kind")
)
