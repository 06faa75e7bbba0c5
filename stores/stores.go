// Package stores vends the persistence layer of shout service: records of shouts and rooms, and the
// blobs holding shout media.
package stores

import (
	"context"
	"io"
	"time"

	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
)

// ObjectStore vends the interface to interact with shout records. Every operation on a single record is
// atomic with respect to every other operation on the same record.
type ObjectStore interface {
	// Put registers a fresh shout. It returns an Existed error if the hash is taken, including by a
	// tombstone.
	Put(ctx context.Context, s *md.Shout) *se.Err
	// Get returns a snapshot of the shout in whatever state it is. A reclaimed shout yields the error
	// matching its terminal reason.
	Get(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err)
	// Consume checks the shout is fresh at now and counts one hit against it in a single atomic step.
	// It returns the snapshot taken right after the increment.
	Consume(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err)
	// Junk returns up to max shouts which can never be read again; all of them when max == 0
	Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err)
	// Reclaim replaces a junk shout with a tombstone. It reports false if the shout is still fresh or was
	// reclaimed already. Caller must clean up the shout media before calling Reclaim to avoid leaking it.
	Reclaim(ctx context.Context, hash string, now time.Time) (bool, *se.Err)
	// PurgeTombstones removes shout tombstones whose retention ended before now
	PurgeTombstones(ctx context.Context, now time.Time) (int, *se.Err)
	Close() *se.Err
}

// RoomStore vends the interface to interact with rooms and their message feeds.
type RoomStore interface {
	CreateRoom(ctx context.Context, r *md.Room) *se.Err
	GetRoom(ctx context.Context, hash string, now time.Time) (*md.Room, *se.Err)
	// Append assigns the next position of the room to the message. Positions start at 1 and never skip,
	// even under concurrent appends.
	Append(ctx context.Context, roomHash, shoutHash string, now time.Time) (*md.Message, *se.Err)
	// List returns messages of the room positioned after the given one, oldest first
	List(ctx context.Context, roomHash string, after int64, now time.Time) ([]*md.Message, *se.Err)
	// ExpiredRooms returns up to max hashes of rooms past their expiry; all of them when max == 0
	ExpiredRooms(ctx context.Context, now time.Time, max int) ([]string, *se.Err)
	// DeleteRoom drops an expired room along with its messages and leaves a tombstone behind
	DeleteRoom(ctx context.Context, hash string, now time.Time) (bool, *se.Err)
	PurgeRoomTombstones(ctx context.Context, now time.Time) (int, *se.Err)
	Close() *se.Err
}

// FileStore stores media of shouts (note a file is just a byte sequence)
type FileStore interface {
	// Ref returns a fresh reference of a file in file storage layer, ending with the given extension
	Ref(ext string) string
	Save(ctx context.Context, ref string, r io.Reader, size int64) *se.Err
	// URL returns a location from which clients can download the file for a limited time
	URL(ctx context.Context, ref string) (string, *se.Err)
	Get(ctx context.Context, ref string) (io.ReadCloser, *se.Err)
	// Delete deletes the file from store. Delete must be idempotent
	Delete(ctx context.Context, ref string) *se.Err
	Close() *se.Err
}

// tombstoneUntil returns the end of retention of a tombstone written at now; zero means forever
func tombstoneUntil(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// stateErr turns the state of a shout at now into the matching error, nil if the shout is fresh
func stateErr(s *md.Shout, now time.Time) *se.Err {
	fresh, reason := s.State(now)
	if fresh {
		return nil
	}
	return se.FromReason(reason, "shout no longer available")
}
