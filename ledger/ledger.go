// Package ledger owns shout records and enforces the disclosure rule: a shout is handed out at most MaxHits
// times and never after it expires, however many readers race for it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"wuyrush.io/shout/common/logging"
	"wuyrush.io/shout/common/token"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
	st "wuyrush.io/shout/stores"
)

// number of fresh tokens tried before Create gives up on hash collisions
const createAttempts = 3

type Ledger struct {
	Store st.ObjectStore
	Now   func() time.Time
	// NewToken generates shout hashes
	NewToken func() (string, error)
}

func New(s st.ObjectStore) *Ledger {
	return &Ledger{Store: s, Now: time.Now, NewToken: token.New}
}

// Create registers a fresh shout which can be consumed maxHits times within maxTime. A zero maxTime yields a
// shout that is expired from the start.
func (l *Ledger) Create(ctx context.Context, kind md.Kind, payload md.Payload, maxHits int, maxTime time.Duration) (*md.Shout, *se.Err) {
	if err := validate(kind, payload, maxHits, maxTime); err != nil {
		return nil, err
	}
	clog := logging.WithFuncName()
	var lastErr *se.Err
	for i := 0; i < createAttempts; i++ {
		hash, err := l.NewToken()
		if err != nil {
			msg := "error generating shout hash"
			clog.WithError(err).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(err)
		}
		now := l.Now()
		s := &md.Shout{
			Hash:      hash,
			Kind:      kind,
			Payload:   payload,
			MaxHits:   maxHits,
			CreatedAt: now,
			ExpiresAt: now.Add(maxTime),
		}
		lastErr = l.Store.Put(ctx, s)
		if lastErr == nil {
			clog.WithField(cst.LogFieldShoutRef, logging.Redact(hash)).Debug("shout created")
			return s, nil
		}
		if lastErr.Code != se.ErrCodeExisted {
			return nil, lastErr
		}
		clog.WithField(cst.LogFieldShoutRef, logging.Redact(hash)).Warning("shout hash collided; regenerating")
	}
	return nil, se.NewServiceFailure("failed allocating a unique shout hash").WithCause(lastErr)
}

func validate(kind md.Kind, payload md.Payload, maxHits int, maxTime time.Duration) *se.Err {
	if _, ok := md.KindVals[kind]; !ok {
		return se.NewBadInput(fmt.Sprintf("invalid shout type %q", kind))
	}
	if maxHits < 1 {
		return se.NewBadInput("max hits must be at least 1")
	}
	if maxTime < 0 {
		return se.NewBadInput("max time must not be negative")
	}
	if kind.Media() {
		if payload.MediaRef == "" || payload.Text != "" {
			return se.NewBadInput(fmt.Sprintf("%s shout takes a media reference only", kind))
		}
	} else if payload.Text == "" || payload.MediaRef != "" {
		return se.NewBadInput("text shout takes non-empty text only")
	}
	return nil
}

// Peek reports whether the shout is fresh without counting a hit. Its answer is advisory: only Consume
// decides whether a read may happen.
func (l *Ledger) Peek(ctx context.Context, hash string) *se.Err {
	s, err := l.Get(ctx, hash)
	if err != nil {
		return err
	}
	if fresh, reason := s.State(l.Now()); !fresh {
		return se.FromReason(reason, "shout no longer available")
	}
	return nil
}

// Get returns a snapshot of the shout whether it is fresh or not, as long as the store still keeps it.
func (l *Ledger) Get(ctx context.Context, hash string) (*md.Shout, *se.Err) {
	if !token.Valid(hash) {
		return nil, se.NewNotFound("shout not found")
	}
	return l.Store.Get(ctx, hash, l.Now())
}

// Consume counts one hit against a fresh shout and returns it. Exhausted and expired shouts yield errors
// carrying the reason, and so do the tombstones they leave behind once swept.
func (l *Ledger) Consume(ctx context.Context, hash string) (*md.Shout, *se.Err) {
	if !token.Valid(hash) {
		return nil, se.NewNotFound("shout not found")
	}
	s, err := l.Store.Consume(ctx, hash, l.Now())
	if err != nil {
		if !err.Terminal() {
			logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash)).
				WithError(err).Error("error consuming shout")
		}
		return nil, err
	}
	logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash)).
		WithField("hits", s.Hits).Debug("shout consumed")
	return s, nil
}
