package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var _ interfaces.RoomAuthorizer = (*Authorizer)(nil)

// Authorizer decides room admission. It reads the course and profile
// directories and never touches the room registry.
type Authorizer struct {
	courses  interfaces.CourseDirectory
	profiles interfaces.ProfileDirectory

	// Courses are cached briefly; enrollment is always read through.
	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[int64]cachedCourse
	now      func() time.Time
}

type cachedCourse struct {
	course  *types.Course
	expires time.Time
}

// New creates an authorizer. A zero cacheTTL disables the course cache.
func New(courses interfaces.CourseDirectory, profiles interfaces.ProfileDirectory, cacheTTL time.Duration) *Authorizer {
	return &Authorizer{
		courses:  courses,
		profiles: profiles,
		cacheTTL: cacheTTL,
		cache:    make(map[int64]cachedCourse),
		now:      time.Now,
	}
}

// Authorize returns nil when user may join room. Rejections wrap one of the
// package sentinels; any other error is a directory failure.
func (a *Authorizer) Authorize(ctx context.Context, user *types.User, room types.RoomDescriptor) error {
	if user == nil || user.ID <= 0 {
		return ErrUnauthenticated
	}

	switch room.Kind {
	case types.RoomKindCourse:
		return a.authorizeCourse(ctx, user.ID, room.CourseID)
	case types.RoomKindPrivate:
		return a.authorizePrivate(ctx, user.ID, room)
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidRoom, room.Kind)
	}
}

func (a *Authorizer) authorizeCourse(ctx context.Context, userID, courseID int64) error {
	course, err := a.course(ctx, courseID)
	if err != nil {
		return err
	}
	if course.IsTeacher(userID) {
		return nil
	}

	enrolled, err := a.courses.IsEnrolled(ctx, courseID, userID)
	if err != nil {
		return fmt.Errorf("failed to check enrollment: %w", err)
	}
	if !enrolled {
		return ErrDenied
	}
	return nil
}

func (a *Authorizer) authorizePrivate(ctx context.Context, userID int64, room types.RoomDescriptor) error {
	if room.UserA > room.UserB {
		return fmt.Errorf("%w: unordered private room", ErrInvalidRoom)
	}
	if !room.Includes(userID) {
		return ErrDenied
	}

	peer := room.Peer(userID)
	if peer == userID {
		return nil
	}
	if _, err := a.profiles.GetUser(ctx, peer); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUserNotFound, peer)
		}
		return fmt.Errorf("failed to look up peer: %w", err)
	}
	return nil
}

func (a *Authorizer) course(ctx context.Context, courseID int64) (*types.Course, error) {
	if a.cacheTTL > 0 {
		a.mu.RLock()
		entry, ok := a.cache[courseID]
		a.mu.RUnlock()
		if ok && a.now().Before(entry.expires) {
			return entry.course, nil
		}
	}

	course, err := a.courses.GetCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			a.Invalidate(courseID)
			return nil, fmt.Errorf("%w: %d", ErrCourseNotFound, courseID)
		}
		return nil, fmt.Errorf("failed to load course: %w", err)
	}

	if a.cacheTTL > 0 {
		a.mu.Lock()
		a.cache[courseID] = cachedCourse{course: course, expires: a.now().Add(a.cacheTTL)}
		a.mu.Unlock()
	}
	return course, nil
}

// Invalidate drops a cached course, e.g. after a teacher change or deletion.
func (a *Authorizer) Invalidate(courseID int64) {
	a.mu.Lock()
	delete(a.cache, courseID)
	a.mu.Unlock()
}

// IsRejection reports whether err is a routine admission refusal rather
// than a directory failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrDenied) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrInvalidRoom)
}

// Reason is a short label for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrCourseNotFound):
		return "course_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrInvalidRoom):
		return "invalid_room"
	default:
		return "error"
	}
}

// GetStats returns authorizer statistics
func (a *Authorizer) GetStats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]interface{}{
		"cached_courses": len(a.cache),
	}
}
