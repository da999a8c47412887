package storage

import (
	"context"
	"time"

	"relaychat/logger"
	"relaychat/module/chat/model"
	"relaychat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// PresenceRoom is the broadcast room every authenticated socket joins
// so status changes reach all connected clients on all instances.
const PresenceRoom = "presence"

const EventUserStatusChanged = "userStatusChanged"

// connection-count key: rc:presence:cnt:<user>
// cached last-seen key:  rc:presence:seen:<user>
func cntKey(user string) string  { return "rc:presence:cnt:" + user }
func seenKey(user string) string { return "rc:presence:seen:" + user }

// Refcounted transitions so a user only flips offline when the last
// connection closes.
//
// incr: bump and refresh TTL, return the new count.
var luaConnIncr = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
return v
`)

// decr: floor at zero and delete the key on the last disconnect, so a
// crashed-and-restarted node can never drive the count negative.
var luaConnDecr = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return v
`)

// LastSeenStore is the durable mirror; presence itself is ephemeral but
// last-seen must survive a restart.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID string, atMS int64) error
	GetLastSeen(ctx context.Context, userID string) (int64, error)
}

// StatusBroadcaster fans status changes out across instances.
type StatusBroadcaster interface {
	EmitRoom(room, event string, payload any) error
}

type PresenceConfig struct {
	// TTL guards against leaked counts from crashed instances; any live
	// connection's heartbeat refreshes it.
	TTL time.Duration
}

type Presence struct {
	rdb  redis.UniversalClient
	seen LastSeenStore
	bc   StatusBroadcaster
	conf PresenceConfig
}

func NewPresence(rdb redis.UniversalClient, seen LastSeenStore, bc StatusBroadcaster, conf PresenceConfig) *Presence {
	if conf.TTL <= 0 {
		conf.TTL = 2 * time.Hour
	}
	return &Presence{rdb: rdb, seen: seen, bc: bc, conf: conf}
}

// SetOnline registers one more connection for the user. The status
// broadcast fires only on the offline->online edge.
func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	n, err := luaConnIncr.Run(ctx, p.rdb, []string{cntKey(userID)}, int64(p.conf.TTL/time.Second)).Int64()
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("presence incr", "user", userID)
	}
	if n == 1 {
		p.broadcast(userID, model.StatusOnline, 0)
	}
	return nil
}

// SetOffline unregisters one connection. Only the last one flips the
// user offline, stamps last-seen in Redis and mirrors it durably.
func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	n, err := luaConnDecr.Run(ctx, p.rdb, []string{cntKey(userID)}).Int64()
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("presence decr", "user", userID)
	}
	if n > 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	if err := p.rdb.Set(ctx, seenKey(userID), now, 0).Err(); err != nil {
		logger.Warnf("[presence] cache last-seen user=%s err=%v", userID, err)
	}
	if err := p.seen.TouchLastSeen(ctx, userID, now); err != nil {
		logger.Errorf("[presence] persist last-seen user=%s err=%v", userID, err)
	}
	p.broadcast(userID, model.StatusOffline, now)
	return nil
}

// Heartbeat refreshes the count TTL for a user with a live connection.
func (p *Presence) Heartbeat(ctx context.Context, userID string) {
	if err := p.rdb.Expire(ctx, cntKey(userID), p.conf.TTL).Err(); err != nil {
		logger.Warnf("[presence] heartbeat user=%s err=%v", userID, err)
	}
}

// GetStatus never fails the caller: a user with no record is offline
// with zero last-seen.
func (p *Presence) GetStatus(ctx context.Context, userID string) model.PresenceStatus {
	out := model.PresenceStatus{UserID: userID, Status: model.StatusOffline}

	n, err := p.rdb.Get(ctx, cntKey(userID)).Int64()
	if err == nil && n > 0 {
		out.Status = model.StatusOnline
		return out
	}
	if err != nil && err != redis.Nil {
		logger.Warnf("[presence] count read user=%s err=%v", userID, err)
	}

	if ms, err := p.rdb.Get(ctx, seenKey(userID)).Int64(); err == nil {
		out.LastSeen = ms
		return out
	}
	// cache miss: fall back to the durable mirror
	if ms, err := p.seen.GetLastSeen(ctx, userID); err == nil {
		out.LastSeen = ms
	}
	return out
}

func (p *Presence) broadcast(userID, status string, lastSeenMS int64) {
	if p.bc == nil {
		return
	}
	err := p.bc.EmitRoom(PresenceRoom, EventUserStatusChanged, model.PresenceStatus{
		UserID:   userID,
		Status:   status,
		LastSeen: lastSeenMS,
	})
	if err != nil {
		logger.Warnf("[presence] status broadcast user=%s err=%v", userID, err)
	}
}
