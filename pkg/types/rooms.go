package types

import (
	"fmt"
	"strconv"
)

// RoomKind distinguishes course rooms from two-party private rooms.
type RoomKind string

const (
	RoomKindCourse  RoomKind = "course"
	RoomKindPrivate RoomKind = "private"
)

// RoomKey is the deterministic string identifying a chat room.
type RoomKey string

// RoomDescriptor is the parsed form of a room key. For private rooms
// UserA <= UserB always holds, so both participants derive the same key.
type RoomDescriptor struct {
	Kind     RoomKind
	CourseID int64
	UserA    int64
	UserB    int64
}

// CourseRoom describes the room of a course.
func CourseRoom(courseID int64) RoomDescriptor {
	return RoomDescriptor{Kind: RoomKindCourse, CourseID: courseID}
}

// PrivateRoom describes the room shared by two users regardless of order.
func PrivateRoom(a, b int64) RoomDescriptor {
	if a > b {
		a, b = b, a
	}
	return RoomDescriptor{Kind: RoomKindPrivate, UserA: a, UserB: b}
}

// CourseRoomKey returns "course:{id}".
func CourseRoomKey(courseID int64) RoomKey {
	return CourseRoom(courseID).Key()
}

// PrivateRoomKey returns "private:{min}:{max}".
func PrivateRoomKey(a, b int64) RoomKey {
	return PrivateRoom(a, b).Key()
}

// Key renders the descriptor.
func (d RoomDescriptor) Key() RoomKey {
	switch d.Kind {
	case RoomKindCourse:
		return RoomKey(fmt.Sprintf("course:%d", d.CourseID))
	case RoomKindPrivate:
		return RoomKey(fmt.Sprintf("private:%d:%d", d.UserA, d.UserB))
	default:
		return ""
	}
}

// Includes reports whether userID is one of the two private-room parties.
// Course rooms never include anyone by key alone.
func (d RoomDescriptor) Includes(userID int64) bool {
	return d.Kind == RoomKindPrivate && (d.UserA == userID || d.UserB == userID)
}

// Peer returns the other party of a private room as seen by userID.
// For a self-room the peer is the user.
func (d RoomDescriptor) Peer(userID int64) int64 {
	if d.UserA == userID {
		return d.UserB
	}
	return d.UserA
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}

// ParseID parses a positive decimal identifier from a route segment.
func ParseID(s string) (int64, error) {
	id, err := parseID(s)
	if err != nil {
		return 0, ErrInvalidID
	}
	return id, nil
}
