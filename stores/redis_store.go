package stores

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
)

// RedisStore is an ObjectStore and RoomStore implementation driven by Redis. Operations touching more than
// one key of a record run as Lua scripts so that Redis executes them atomically.
type RedisStore struct {
	DB           *redis.Client
	TombstoneTTL time.Duration
	// MediaGrace keeps consumed media around for as long as a handed out location stays valid
	MediaGrace time.Duration
}

const (
	fieldNameKind      = "kind"
	fieldNameText      = "text"
	fieldNameMediaRef  = "mediaRef"
	fieldNameMaxHits   = "maxHits"
	fieldNameHits      = "hits"
	fieldNameCreatedAt = "createdAt"
	fieldNameExpiresAt = "expiresAt"
	fieldNameLastHitAt = "lastHitAt"
	fieldNameSeq       = "seq"

	// redis key of the sorted set whose score is the earliest time a shout may be reclaimed
	keyShoutExpirySet = "shoutExpirySet"
	// redis key of the sorted set whose score is room expiry
	keyRoomExpirySet = "roomExpirySet"

	keyTmplShout     = "shout:%s"
	keyTmplShoutTomb = "shoutTomb:%s"
	keyTmplRoom      = "room:%s"
	keyTmplRoomMsgs  = "roomMsgs:%s"
	keyTmplRoomTomb  = "roomTomb:%s"

	statusOK   = "ok"
	statusGone = "gone"
)

// All times are passed in and stored as unix milliseconds, which Lua numbers represent exactly.
var (
	// KEYS: shout, tombstone, expiry set; ARGV: hash, kind, text, mediaRef, maxHits, createdAt, expiresAt
	scriptPut = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HMSET', KEYS[1], 'kind', ARGV[2], 'text', ARGV[3], 'mediaRef', ARGV[4],
  'maxHits', ARGV[5], 'hits', '0', 'createdAt', ARGV[6], 'expiresAt', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
return 1
`)
	// KEYS: shout, tombstone, expiry set; ARGV: now, hash, media grace in ms
	scriptConsume = redis.NewScript(`
local tomb = redis.call('GET', KEYS[2])
if tomb then
  return {'gone', tomb}
end
local v = redis.call('HMGET', KEYS[1], 'maxHits', 'hits', 'expiresAt', 'mediaRef')
if not v[1] then
  return {'gone', 'not_found'}
end
local maxHits, hits, expiresAt, now = tonumber(v[1]), tonumber(v[2]), tonumber(v[3]), tonumber(ARGV[1])
if hits >= maxHits then
  return {'gone', 'expired_hits'}
end
if now >= expiresAt then
  return {'gone', 'expired_time'}
end
hits = redis.call('HINCRBY', KEYS[1], 'hits', 1)
redis.call('HSET', KEYS[1], 'lastHitAt', ARGV[1])
local junkAt = expiresAt
if hits >= maxHits then
  junkAt = now
end
if v[4] and v[4] ~= '' then
  junkAt = math.max(junkAt, now + tonumber(ARGV[3]))
end
redis.call('ZADD', KEYS[3], tostring(junkAt), ARGV[2])
local r = redis.call('HGETALL', KEYS[1])
table.insert(r, 1, 'ok')
return r
`)
	// KEYS: shout, tombstone, expiry set; ARGV: now, hash, tombstone ttl in ms (0 keeps it forever)
	scriptReclaim = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'maxHits', 'hits', 'expiresAt')
if not v[1] then
  redis.call('ZREM', KEYS[3], ARGV[2])
  return ''
end
local reason
if tonumber(v[2]) >= tonumber(v[1]) then
  reason = 'expired_hits'
elseif tonumber(ARGV[1]) >= tonumber(v[3]) then
  reason = 'expired_time'
else
  return ''
end
local junkAt = redis.call('ZSCORE', KEYS[3], ARGV[2])
if junkAt and tonumber(junkAt) > tonumber(ARGV[1]) then
  return ''
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[2], reason, 'PX', ARGV[3])
else
  redis.call('SET', KEYS[2], reason)
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[2])
return reason
`)
	// KEYS: room, room tombstone, expiry set; ARGV: hash, createdAt, expiresAt
	scriptCreateRoom = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HMSET', KEYS[1], 'createdAt', ARGV[2], 'expiresAt', ARGV[3], 'seq', '0')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)
	// KEYS: room, messages, room tombstone; ARGV: now, shout hash
	scriptAppend = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'gone', 'room_expired'}
end
local expiresAt = redis.call('HGET', KEYS[1], 'expiresAt')
if not expiresAt then
  return {'gone', 'room_not_found'}
end
if tonumber(ARGV[1]) >= tonumber(expiresAt) then
  return {'gone', 'room_expired'}
end
local pos = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('ZADD', KEYS[2], tostring(pos), ARGV[1] .. ':' .. ARGV[2])
return {'ok', pos}
`)
	// KEYS: room, messages, room tombstone, expiry set; ARGV: now, hash, tombstone ttl in ms
	scriptDeleteRoom = redis.NewScript(`
local expiresAt = redis.call('HGET', KEYS[1], 'expiresAt')
if not expiresAt then
  redis.call('ZREM', KEYS[4], ARGV[2])
  return 0
end
if tonumber(ARGV[1]) < tonumber(expiresAt) then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[3], 'room_expired', 'PX', ARGV[3])
else
  redis.call('SET', KEYS[3], 'room_expired')
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[4], ARGV[2])
return 1
`)
)

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func nonNegMillis(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

func shoutKeys(hash string) []string {
	return []string{fmt.Sprintf(keyTmplShout, hash), fmt.Sprintf(keyTmplShoutTomb, hash), keyShoutExpirySet}
}

func (s *RedisStore) db(ctx context.Context) *redis.Client {
	return s.DB.WithContext(ctx)
}

func (s *RedisStore) Put(ctx context.Context, sh *md.Shout) *se.Err {
	const errMsg = "error registering shout"
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(sh.Hash))
	res, err := scriptPut.Run(s.db(ctx), shoutKeys(sh.Hash),
		sh.Hash, string(sh.Kind), sh.Payload.Text, sh.Payload.MediaRef, sh.MaxHits,
		millis(sh.CreatedAt), millis(sh.ExpiresAt)).Result()
	if err != nil {
		clog.WithError(err).Error("error calling Redis to save shout")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	if n, _ := res.(int64); n == 0 {
		return se.NewExisted("shout hash taken")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash))
	keys := shoutKeys(hash)
	m, err := s.db(ctx).HGetAll(keys[0]).Result()
	if err != nil {
		msg := "error getting shout data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		reason, err := s.db(ctx).Get(keys[1]).Result()
		if err == redis.Nil {
			return nil, se.NewNotFound("shout not found")
		} else if err != nil {
			msg := "error getting shout tombstone"
			clog.WithError(err).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(err)
		}
		return nil, se.FromReason(reason, "shout no longer available")
	}
	sh, perr := parseShout(hash, m)
	if perr != nil {
		clog.WithError(perr).Error("error unmarshalling shout data")
		return nil, perr
	}
	return sh, nil
}

func parseShout(hash string, m map[string]string) (*md.Shout, *se.Err) {
	sh := &md.Shout{
		Hash:    hash,
		Kind:    md.Kind(m[fieldNameKind]),
		Payload: md.Payload{Text: m[fieldNameText], MediaRef: m[fieldNameMediaRef]},
	}
	ints := map[string]int64{}
	for _, f := range []string{fieldNameMaxHits, fieldNameHits, fieldNameCreatedAt, fieldNameExpiresAt} {
		v, err := strconv.ParseInt(m[f], 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure(fmt.Sprintf("error unmarshalling shout field %s", f)).WithCause(err)
		}
		ints[f] = v
	}
	sh.MaxHits, sh.Hits = int(ints[fieldNameMaxHits]), int(ints[fieldNameHits])
	sh.CreatedAt, sh.ExpiresAt = fromMillis(ints[fieldNameCreatedAt]), fromMillis(ints[fieldNameExpiresAt])
	if v, ok := m[fieldNameLastHitAt]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure("error unmarshalling shout field " + fieldNameLastHitAt).WithCause(err)
		}
		sh.LastHitAt = fromMillis(ms)
	}
	return sh, nil
}

// scriptReply splits the {status, ...} reply of a script
func scriptReply(res interface{}) (string, []interface{}, *se.Err) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return "", nil, se.NewServiceFailure(fmt.Sprintf("unexpected script reply %v", res))
	}
	status, _ := vals[0].(string)
	return status, vals[1:], nil
}

func (s *RedisStore) Consume(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	const errMsg = "error consuming shout"
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash))
	res, err := scriptConsume.Run(s.db(ctx), shoutKeys(hash), millis(now), hash, nonNegMillis(s.MediaGrace)).Result()
	if err != nil {
		clog.WithError(err).Error("error calling Redis to consume shout")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	status, rest, perr := scriptReply(res)
	if perr != nil {
		clog.WithError(perr).Error(errMsg)
		return nil, perr
	}
	if status == statusGone {
		reason, _ := rest[0].(string)
		return nil, se.FromReason(reason, "shout no longer available")
	}
	m := make(map[string]string, len(rest)/2)
	for i := 0; i+1 < len(rest); i += 2 {
		k, _ := rest[i].(string)
		v, _ := rest[i+1].(string)
		m[k] = v
	}
	sh, perr := parseShout(hash, m)
	if perr != nil {
		clog.WithError(perr).Error("error unmarshalling consumed shout")
		return nil, perr
	}
	return sh, nil
}

func (s *RedisStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	const errMsg = "error loading junk shouts"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	// gather hashes of junk shouts
	opt := redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(millis(now), 10), Count: int64(max)}
	hashes, err := s.db(ctx).ZRangeByScore(keyShoutExpirySet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get hashes of junk shouts")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if len(hashes) == 0 {
		return []*md.Junk{}, nil
	}
	// collect media refs in one round trip
	cmds := make([]*redis.StringCmd, len(hashes))
	_, err = s.db(ctx).Pipelined(func(pipe redis.Pipeliner) error {
		for i, h := range hashes {
			cmds[i] = pipe.HGet(fmt.Sprintf(keyTmplShout, h), fieldNameMediaRef)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		clog.WithError(err).Error("error calling redis to get media refs of junk shouts")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	jks := make([]*md.Junk, 0, len(hashes))
	for i, h := range hashes {
		jk := &md.Junk{ShoutHash: h}
		if ref, err := cmds[i].Result(); err == nil && ref != "" {
			jk.FileRefs = []string{ref}
		}
		jks = append(jks, jk)
	}
	clog.WithField("count", len(jks)).Debug("done assembling junk shouts")
	return jks, nil
}

func (s *RedisStore) Reclaim(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash))
	res, err := scriptReclaim.Run(s.db(ctx), shoutKeys(hash), millis(now), hash, nonNegMillis(s.TombstoneTTL)).Result()
	if err != nil {
		msg := "error reclaiming shout"
		clog.WithError(err).Error(msg)
		return false, se.NewServiceFailure(msg).WithCause(err)
	}
	reason, _ := res.(string)
	return reason != "", nil
}

// PurgeTombstones is a no-op since Redis expires tombstones by itself
func (s *RedisStore) PurgeTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return 0, nil
}

func roomKeys(hash string) []string {
	return []string{
		fmt.Sprintf(keyTmplRoom, hash),
		fmt.Sprintf(keyTmplRoomMsgs, hash),
		fmt.Sprintf(keyTmplRoomTomb, hash),
		keyRoomExpirySet,
	}
}

func (s *RedisStore) CreateRoom(ctx context.Context, r *md.Room) *se.Err {
	keys := roomKeys(r.Hash)
	res, err := scriptCreateRoom.Run(s.db(ctx), []string{keys[0], keys[2], keys[3]},
		r.Hash, millis(r.CreatedAt), millis(r.ExpiresAt)).Result()
	if err != nil {
		msg := "error creating room"
		logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(r.Hash)).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	if n, _ := res.(int64); n == 0 {
		return se.NewExisted("room hash taken")
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, hash string, now time.Time) (*md.Room, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(hash))
	keys := roomKeys(hash)
	m, err := s.db(ctx).HGetAll(keys[0]).Result()
	if err != nil {
		msg := "error getting room data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		n, err := s.db(ctx).Exists(keys[2]).Result()
		if err != nil {
			msg := "error getting room tombstone"
			clog.WithError(err).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(err)
		}
		if n > 0 {
			return nil, se.NewRoomExpired("room expired")
		}
		return nil, se.NewRoomNotFound("room not found")
	}
	r := &md.Room{Hash: hash}
	ints := map[string]int64{}
	for _, f := range []string{fieldNameCreatedAt, fieldNameExpiresAt, fieldNameSeq} {
		v, err := strconv.ParseInt(m[f], 10, 64)
		if err != nil {
			msg := fmt.Sprintf("error unmarshalling room field %s", f)
			clog.WithError(err).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(err)
		}
		ints[f] = v
	}
	r.CreatedAt, r.ExpiresAt = fromMillis(ints[fieldNameCreatedAt]), fromMillis(ints[fieldNameExpiresAt])
	r.LastPosition = ints[fieldNameSeq]
	if r.Expired(now) {
		return nil, se.NewRoomExpired("room expired")
	}
	return r, nil
}

func (s *RedisStore) Append(ctx context.Context, roomHash, shoutHash string, now time.Time) (*md.Message, *se.Err) {
	const errMsg = "error appending message to room"
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash))
	keys := roomKeys(roomHash)
	res, err := scriptAppend.Run(s.db(ctx), keys[:3], millis(now), shoutHash).Result()
	if err != nil {
		clog.WithError(err).Error("error calling Redis to append message")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	status, rest, perr := scriptReply(res)
	if perr != nil {
		clog.WithError(perr).Error(errMsg)
		return nil, perr
	}
	if status == statusGone {
		reason, _ := rest[0].(string)
		return nil, se.FromReason(reason, "room no longer available")
	}
	pos, _ := rest[0].(int64)
	return &md.Message{RoomHash: roomHash, ShoutHash: shoutHash, Position: pos, PostedAt: fromMillis(millis(now))}, nil
}

func (s *RedisStore) List(ctx context.Context, roomHash string, after int64, now time.Time) ([]*md.Message, *se.Err) {
	if _, err := s.GetRoom(ctx, roomHash, now); err != nil {
		return nil, err
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash))
	if after < 0 {
		after = 0
	}
	opt := redis.ZRangeBy{Min: "(" + strconv.FormatInt(after, 10), Max: "+inf"}
	zs, err := s.db(ctx).ZRangeByScoreWithScores(fmt.Sprintf(keyTmplRoomMsgs, roomHash), opt).Result()
	if err != nil {
		msg := "error listing room messages"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	msgs := make([]*md.Message, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			return nil, se.NewServiceFailure(fmt.Sprintf("malformed room message %q", member))
		}
		postedAt, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure("error unmarshalling message post time").WithCause(err)
		}
		msgs = append(msgs, &md.Message{
			RoomHash:  roomHash,
			ShoutHash: parts[1],
			Position:  int64(z.Score),
			PostedAt:  fromMillis(postedAt),
		})
	}
	return msgs, nil
}

func (s *RedisStore) ExpiredRooms(ctx context.Context, now time.Time, max int) ([]string, *se.Err) {
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	opt := redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(millis(now), 10), Count: int64(max)}
	hashes, err := s.db(ctx).ZRangeByScore(keyRoomExpirySet, opt).Result()
	if err != nil {
		msg := "error loading expired rooms"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	return hashes, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	res, err := scriptDeleteRoom.Run(s.db(ctx), roomKeys(hash), millis(now), hash, nonNegMillis(s.TombstoneTTL)).Result()
	if err != nil {
		msg := "error deleting room"
		logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(hash)).WithError(err).Error(msg)
		return false, se.NewServiceFailure(msg).WithCause(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// PurgeRoomTombstones is a no-op since Redis expires tombstones by itself
func (s *RedisStore) PurgeRoomTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return 0, nil
}

func (s *RedisStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}
