// Package sequencer arranges shouts into short-lived rooms whose messages are numbered 1, 2, 3, ... in the
// order they were posted.
package sequencer

import (
	"context"
	"time"

	"wuyrush.io/shout/common/logging"
	"wuyrush.io/shout/common/token"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	"wuyrush.io/shout/ledger"
	md "wuyrush.io/shout/models"
	st "wuyrush.io/shout/stores"
)

const createAttempts = 3

type Sequencer struct {
	Store    st.RoomStore
	Ledger   *ledger.Ledger
	RoomTTL  time.Duration
	Now      func() time.Time
	NewToken func() (string, error)
}

func New(rs st.RoomStore, l *ledger.Ledger, roomTTL time.Duration) *Sequencer {
	if roomTTL <= 0 {
		roomTTL = cst.DefaultRoomTTL
	}
	return &Sequencer{Store: rs, Ledger: l, RoomTTL: roomTTL, Now: time.Now, NewToken: token.New}
}

func (sq *Sequencer) CreateRoom(ctx context.Context) (*md.Room, *se.Err) {
	clog := logging.WithFuncName()
	var lastErr *se.Err
	for i := 0; i < createAttempts; i++ {
		hash, err := sq.NewToken()
		if err != nil {
			msg := "error generating room hash"
			clog.WithError(err).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(err)
		}
		now := sq.Now()
		r := &md.Room{Hash: hash, CreatedAt: now, ExpiresAt: now.Add(sq.RoomTTL)}
		if lastErr = sq.Store.CreateRoom(ctx, r); lastErr == nil {
			clog.WithField(cst.LogFieldRoomRef, logging.Redact(hash)).Debug("room created")
			return r, nil
		}
		if lastErr.Code != se.ErrCodeExisted {
			return nil, lastErr
		}
	}
	return nil, se.NewServiceFailure("failed allocating a unique room hash").WithCause(lastErr)
}

func (sq *Sequencer) GetRoom(ctx context.Context, hash string) (*md.Room, *se.Err) {
	if !token.Valid(hash) {
		return nil, se.NewRoomNotFound("room not found")
	}
	return sq.Store.GetRoom(ctx, hash, sq.Now())
}

// Append posts the shout to the room under the next free position.
func (sq *Sequencer) Append(ctx context.Context, roomHash, shoutHash string) (*md.Message, *se.Err) {
	if !token.Valid(roomHash) {
		return nil, se.NewRoomNotFound("room not found")
	}
	m, err := sq.Store.Append(ctx, roomHash, shoutHash, sq.Now())
	if err != nil {
		if !err.Terminal() {
			logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash)).
				WithError(err).Error("error appending message")
		}
		return nil, err
	}
	return m, nil
}

// List returns the feed of the room after the given position, oldest first. Listing never counts a hit
// against any shout: fresh shouts come with their content, the others with the reason they can no longer be
// read.
func (sq *Sequencer) List(ctx context.Context, roomHash string, after int64) ([]*md.FeedEntry, *se.Err) {
	if !token.Valid(roomHash) {
		return nil, se.NewRoomNotFound("room not found")
	}
	if after < 0 {
		after = 0
	}
	now := sq.Now()
	msgs, err := sq.Store.List(ctx, roomHash, after, now)
	if err != nil {
		return nil, err
	}
	entries := make([]*md.FeedEntry, 0, len(msgs))
	for _, m := range msgs {
		e, err := sq.entry(ctx, m, now)
		if err != nil {
			logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash)).
				WithError(err).Error("error resolving room message")
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (sq *Sequencer) entry(ctx context.Context, m *md.Message, now time.Time) (*md.FeedEntry, *se.Err) {
	e := &md.FeedEntry{Message: *m}
	s, err := sq.Ledger.Get(ctx, m.ShoutHash)
	if err != nil {
		if !err.Terminal() {
			return nil, err
		}
		// swept shouts leave their reason behind only
		e.Reason = err.Reason()
		return e, nil
	}
	e.Kind, e.ExpiresAt, e.MaxHits, e.Hits = s.Kind, s.ExpiresAt, s.MaxHits, s.Hits
	if e.Fresh, e.Reason = s.State(now); e.Fresh {
		e.Text, e.MediaRef = s.Payload.Text, s.Payload.MediaRef
	}
	return e, nil
}
