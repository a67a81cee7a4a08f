package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// Origin is the scheme and host a request arrived on, used to build
// absolute media URLs.
type Origin struct {
	Scheme string
	Host   string
}

// MessageRouter persists an accepted message and fans it out to its room.
type MessageRouter interface {
	// Route returns an error when persistence fails; nothing is broadcast then.
	Route(ctx context.Context, sender *types.User, origin Origin, room types.RoomDescriptor, content string) (*types.MessageEvent, error)
}

// RoomAuthorizer decides whether a user may join a room. It must not
// mutate any registry state.
type RoomAuthorizer interface {
	Authorize(ctx context.Context, user *types.User, room types.RoomDescriptor) error
}
