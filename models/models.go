package models

import (
	"time"

	se "wuyrush.io/shout/errors"
)

/*
 Application layer data models.
*/

type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var KindVals = map[Kind]struct{}{
	KindText:  {},
	KindPhoto: {},
	KindAudio: {},
	KindVideo: {},
}

// Media reports whether content of the kind lives in the blob store rather than inline.
func (k Kind) Media() bool {
	return k == KindPhoto || k == KindAudio || k == KindVideo
}

// Payload is the content of a shout. Exactly one of Text and MediaRef is set, depending on kind.
type Payload struct {
	Text     string
	MediaRef string
}

// Shout is an ephemeral object which can be read at most MaxHits times and until ExpiresAt.
type Shout struct {
	Hash      string
	Kind      Kind
	Payload   Payload
	MaxHits   int
	Hits      int
	CreatedAt time.Time
	ExpiresAt time.Time
	// LastHitAt is when the shout was last consumed, zero if never
	LastHitAt time.Time
}

// State derives the state of the shout at time now. A shout is fresh if and only if
// 1. it was consumed fewer than MaxHits times AND
// 2. now is earlier than its expiry
// Exhausted hits win over elapsed time so that the reason a shout became unreadable never changes.
func (s *Shout) State(now time.Time) (fresh bool, reason string) {
	if s.Hits >= s.MaxHits {
		return false, se.ReasonExpiredHits
	}
	if !now.Before(s.ExpiresAt) {
		return false, se.ReasonExpiredTime
	}
	return true, ""
}

// Junk reports whether the shout can never be read again.
func (s *Shout) Junk(now time.Time) bool {
	fresh, _ := s.State(now)
	return !fresh
}

// ReclaimableAt is the earliest time the shout may be reclaimed. Media stays in place for grace after the
// last hit since the location handed out by that hit remains valid for as long.
func (s *Shout) ReclaimableAt(grace time.Duration) time.Time {
	at := s.ExpiresAt
	if s.Hits >= s.MaxHits && s.LastHitAt.Before(at) {
		at = s.LastHitAt
	}
	if s.Payload.MediaRef != "" && !s.LastHitAt.IsZero() {
		if g := s.LastHitAt.Add(grace); g.After(at) {
			at = g
		}
	}
	return at
}

// Reclaimable reports whether the shout is junk and its media, if any, is no longer handed out.
func (s *Shout) Reclaimable(now time.Time, grace time.Duration) bool {
	return s.Junk(now) && !now.Before(s.ReclaimableAt(grace))
}

// Room is a short-lived, ordered feed of shouts.
type Room struct {
	Hash      string
	CreatedAt time.Time
	ExpiresAt time.Time
	// LastPosition is the position assigned to the latest message, 0 if the room is empty
	LastPosition int64
}

func (r *Room) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Message places a shout in a room.
type Message struct {
	RoomHash  string
	ShoutHash string
	Position  int64
	PostedAt  time.Time
}

// FeedEntry is the read-only view of a room message.
type FeedEntry struct {
	Message
	Kind      Kind
	Fresh     bool
	Reason    string
	Text      string
	MediaRef  string
	MediaURL  string
	ExpiresAt time.Time
	MaxHits   int
	Hits      int
}

// Junk represents necessary shout data for reclamation purpose
type Junk struct {
	ShoutHash string   // shout hash
	FileRefs  []string // references of shout media on storage layer
}

// Tombstone remembers why a reclaimed shout or room became unreadable.
type Tombstone struct {
	Hash   string
	Reason string
	Until  time.Time // zero value means forever
}
