package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coursechat/pkg/types"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultTTL bounds how long an unrefreshed session stays online.
const DefaultTTL = 2 * time.Minute

// Status is the stored presence of a user.
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// Store mirrors room membership and online status into Redis so other
// processes can see who is connected. Keys:
//
//	{prefix}:room:{room_key}     set of "{user_id}:{connection_id}"
//	{prefix}:conn:{user_id}      set of connection ids
//	{prefix}:presence:{user_id}  JSON Status
//
// Online entries expire after ttl unless the session re-announces itself.
// Message events are published on {prefix}:events:{room_key}.
type Store struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewStore creates a presence store. ttl bounds how long a crashed
// process can leave a user marked online.
func NewStore(client redis.Cmdable, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "coursechat"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) roomKey(key types.RoomKey) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, key)
}

func (s *Store) connKey(userID int64) string {
	return fmt.Sprintf("%s:conn:%d", s.prefix, userID)
}

func (s *Store) presenceKey(userID int64) string {
	return fmt.Sprintf("%s:presence:%d", s.prefix, userID)
}

func (s *Store) eventChannel(key types.RoomKey) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, key)
}

func member(userID int64, connID string) string {
	return strconv.FormatInt(userID, 10) + ":" + connID
}

// Name implements hub.Sink.
func (s *Store) Name() string {
	return "redis-presence"
}

// HandlePresence records a join or leave.
func (s *Store) HandlePresence(ctx context.Context, ev types.PresenceEvent) error {
	if ev.Online {
		return s.join(ctx, ev)
	}
	return s.leave(ctx, ev)
}

// join adds the connection and (re)arms every TTL. A live session
// repeats it periodically, so it must stay idempotent.
func (s *Store) join(ctx context.Context, ev types.PresenceEvent) error {
	status, err := json.Marshal(Status{Status: StatusOnline, LastSeen: ev.At.Unix()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.roomKey(ev.RoomKey), member(ev.UserID, ev.ConnectionID))
		p.Expire(ctx, s.roomKey(ev.RoomKey), s.ttl)
		p.SAdd(ctx, s.connKey(ev.UserID), ev.ConnectionID)
		p.Expire(ctx, s.connKey(ev.UserID), s.ttl)
		p.Set(ctx, s.presenceKey(ev.UserID), status, s.ttl)
		return nil
	})
	return err
}

// leaveScript removes one connection and marks the user offline only if
// no other connection remains, in a single atomic step.
//
//	KEYS: room set, conn set, presence key
//	ARGV: room member, connection id, offline status
var leaveScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[2], ARGV[2])
if redis.call("SCARD", KEYS[2]) == 0 then
	redis.call("SET", KEYS[3], ARGV[3])
	return 1
end
return 0
`)

func (s *Store) leave(ctx context.Context, ev types.PresenceEvent) error {
	status, err := json.Marshal(Status{Status: StatusOffline, LastSeen: ev.At.Unix()})
	if err != nil {
		return err
	}
	keys := []string{s.roomKey(ev.RoomKey), s.connKey(ev.UserID), s.presenceKey(ev.UserID)}
	return leaveScript.Run(ctx, s.client, keys, member(ev.UserID, ev.ConnectionID), ev.ConnectionID, status).Err()
}

// HandleMessage publishes the event for subscribers of the room channel.
func (s *Store) HandleMessage(ctx context.Context, ev types.MessageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.eventChannel(ev.RoomKey), payload).Err()
}

// GetStatus returns a user's presence. Users never seen are offline.
func (s *Store) GetStatus(ctx context.Context, userID int64) (Status, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{Status: StatusOffline}, nil
	}
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return Status{}, fmt.Errorf("corrupt presence for user %d: %w", userID, err)
	}
	return st, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
