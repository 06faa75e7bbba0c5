package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
)

type shoutRecord struct {
	mu    sync.Mutex
	shout md.Shout
	// set once the record got replaced by a tombstone; holders of a stale pointer must observe it
	reclaimed bool
	reason    string
}

type roomRecord struct {
	mu      sync.Mutex
	room    md.Room
	msgs    []*md.Message
	deleted bool
}

// MemoryStore is an ObjectStore and RoomStore implementation living in process memory. Records are guarded
// by their own mutex; there is no store-wide lock.
type MemoryStore struct {
	TombstoneTTL time.Duration
	// MediaGrace keeps consumed media around for as long as a handed out location stays valid
	MediaGrace time.Duration

	shouts    sync.Map // hash -> *shoutRecord
	tombs     sync.Map // hash -> md.Tombstone
	rooms     sync.Map // hash -> *roomRecord
	roomTombs sync.Map // hash -> md.Tombstone
}

func NewMemoryStore(tombstoneTTL time.Duration) *MemoryStore {
	return &MemoryStore{TombstoneTTL: tombstoneTTL}
}

func (s *MemoryStore) Put(ctx context.Context, sh *md.Shout) *se.Err {
	if _, ok := s.tombs.Load(sh.Hash); ok {
		return se.NewExisted("shout hash taken")
	}
	rec := &shoutRecord{shout: *sh}
	if _, loaded := s.shouts.LoadOrStore(sh.Hash, rec); loaded {
		return se.NewExisted("shout hash taken")
	}
	return nil
}

func (s *MemoryStore) tombErr(hash string) *se.Err {
	if v, ok := s.tombs.Load(hash); ok {
		return se.FromReason(v.(md.Tombstone).Reason, "shout no longer available")
	}
	return se.NewNotFound("shout not found")
}

func (s *MemoryStore) Get(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	v, ok := s.shouts.Load(hash)
	if !ok {
		return nil, s.tombErr(hash)
	}
	rec := v.(*shoutRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.reclaimed {
		return nil, se.FromReason(rec.reason, "shout no longer available")
	}
	snapshot := rec.shout
	return &snapshot, nil
}

func (s *MemoryStore) Consume(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	v, ok := s.shouts.Load(hash)
	if !ok {
		return nil, s.tombErr(hash)
	}
	rec := v.(*shoutRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.reclaimed {
		return nil, se.FromReason(rec.reason, "shout no longer available")
	}
	if err := stateErr(&rec.shout, now); err != nil {
		return nil, err
	}
	rec.shout.Hits++
	rec.shout.LastHitAt = now
	snapshot := rec.shout
	return &snapshot, nil
}

func (s *MemoryStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	jks := []*md.Junk{}
	s.shouts.Range(func(k, v interface{}) bool {
		rec := v.(*shoutRecord)
		rec.mu.Lock()
		junk := !rec.reclaimed && rec.shout.Reclaimable(now, s.MediaGrace)
		ref := rec.shout.Payload.MediaRef
		rec.mu.Unlock()
		if junk {
			jk := &md.Junk{ShoutHash: k.(string)}
			if ref != "" {
				jk.FileRefs = []string{ref}
			}
			jks = append(jks, jk)
		}
		return max == 0 || len(jks) < max
	})
	return jks, nil
}

func (s *MemoryStore) Reclaim(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	v, ok := s.shouts.Load(hash)
	if !ok {
		return false, nil
	}
	rec := v.(*shoutRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.reclaimed {
		return false, nil
	}
	if !rec.shout.Reclaimable(now, s.MediaGrace) {
		return false, nil
	}
	_, reason := rec.shout.State(now)
	rec.reclaimed, rec.reason = true, reason
	// tombstone goes in before the record goes out so that lookups never miss both
	s.tombs.Store(hash, md.Tombstone{Hash: hash, Reason: reason, Until: tombstoneUntil(now, s.TombstoneTTL)})
	s.shouts.Delete(hash)
	rec.shout.Payload = md.Payload{}
	return true, nil
}

func purgeTombs(m *sync.Map, now time.Time) int {
	cnt := 0
	m.Range(func(k, v interface{}) bool {
		until := v.(md.Tombstone).Until
		if !until.IsZero() && !now.Before(until) {
			m.Delete(k)
			cnt++
		}
		return true
	})
	return cnt
}

func (s *MemoryStore) PurgeTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return purgeTombs(&s.tombs, now), nil
}

func (s *MemoryStore) CreateRoom(ctx context.Context, r *md.Room) *se.Err {
	if _, ok := s.roomTombs.Load(r.Hash); ok {
		return se.NewExisted("room hash taken")
	}
	if _, loaded := s.rooms.LoadOrStore(r.Hash, &roomRecord{room: *r}); loaded {
		return se.NewExisted("room hash taken")
	}
	return nil
}

// lockRoom returns the locked record of a live room
func (s *MemoryStore) lockRoom(hash string, now time.Time) (*roomRecord, *se.Err) {
	v, ok := s.rooms.Load(hash)
	if !ok {
		if _, ok := s.roomTombs.Load(hash); ok {
			return nil, se.NewRoomExpired("room expired")
		}
		return nil, se.NewRoomNotFound("room not found")
	}
	rec := v.(*roomRecord)
	rec.mu.Lock()
	if rec.deleted || rec.room.Expired(now) {
		rec.mu.Unlock()
		return nil, se.NewRoomExpired("room expired")
	}
	return rec, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, hash string, now time.Time) (*md.Room, *se.Err) {
	rec, err := s.lockRoom(hash, now)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	r := rec.room
	return &r, nil
}

func (s *MemoryStore) Append(ctx context.Context, roomHash, shoutHash string, now time.Time) (*md.Message, *se.Err) {
	rec, err := s.lockRoom(roomHash, now)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	rec.room.LastPosition++
	m := &md.Message{RoomHash: roomHash, ShoutHash: shoutHash, Position: rec.room.LastPosition, PostedAt: now}
	rec.msgs = append(rec.msgs, m)
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, roomHash string, after int64, now time.Time) ([]*md.Message, *se.Err) {
	rec, err := s.lockRoom(roomHash, now)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	i := sort.Search(len(rec.msgs), func(i int) bool { return rec.msgs[i].Position > after })
	msgs := make([]*md.Message, 0, len(rec.msgs)-i)
	for _, m := range rec.msgs[i:] {
		cp := *m
		msgs = append(msgs, &cp)
	}
	return msgs, nil
}

func (s *MemoryStore) ExpiredRooms(ctx context.Context, now time.Time, max int) ([]string, *se.Err) {
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	hashes := []string{}
	s.rooms.Range(func(k, v interface{}) bool {
		rec := v.(*roomRecord)
		rec.mu.Lock()
		expired := !rec.deleted && rec.room.Expired(now)
		rec.mu.Unlock()
		if expired {
			hashes = append(hashes, k.(string))
		}
		return max == 0 || len(hashes) < max
	})
	return hashes, nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	v, ok := s.rooms.Load(hash)
	if !ok {
		return false, nil
	}
	rec := v.(*roomRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted || !rec.room.Expired(now) {
		return false, nil
	}
	rec.deleted, rec.msgs = true, nil
	s.roomTombs.Store(hash, md.Tombstone{Hash: hash, Reason: se.ReasonRoomExpired, Until: tombstoneUntil(now, s.TombstoneTTL)})
	s.rooms.Delete(hash)
	return true, nil
}

func (s *MemoryStore) PurgeRoomTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return purgeTombs(&s.roomTombs, now), nil
}

func (s *MemoryStore) Close() *se.Err {
	return nil
}
