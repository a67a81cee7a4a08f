package interfaces

import "coursechat/pkg/types"

// Connection is one registered websocket session as the registry sees it.
type Connection interface {
	// ID is unique per session, so one user may hold several connections
	// in the same room.
	ID() string

	// UserID returns the authenticated user behind the session.
	UserID() int64

	// Deliver enqueues an encoded frame without blocking. A slow or closed
	// connection returns an error; it must never stall the caller.
	Deliver(event types.RoomEvent) error

	// Close terminates the session. Safe to call more than once.
	Close() error
}
