package stores

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
)

// PGStore is an ObjectStore and RoomStore implementation driven by PostgreSQL. A shout is consumed with a
// single conditional UPDATE and a room sequence is advanced under the row lock of the room.
type PGStore struct {
	DB           *sql.DB
	TombstoneTTL time.Duration
	// MediaGrace keeps consumed media around for as long as a handed out location stays valid
	MediaGrace time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS shouts (
	hash             TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	text_content     TEXT NOT NULL DEFAULT '',
	media_ref        TEXT NOT NULL DEFAULT '',
	max_hits         INTEGER NOT NULL CHECK (max_hits >= 1),
	current_hits     INTEGER NOT NULL DEFAULT 0 CHECK (current_hits >= 0 AND current_hits <= max_hits),
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	reclaimed_reason TEXT,
	tombstone_until  TIMESTAMPTZ
);
ALTER TABLE shouts ADD COLUMN IF NOT EXISTS last_hit_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS shouts_expires_at_idx ON shouts (expires_at) WHERE reclaimed_reason IS NULL;
CREATE TABLE IF NOT EXISTS chat_rooms (
	hash            TEXT PRIMARY KEY,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	last_position   BIGINT NOT NULL DEFAULT 0,
	deleted         BOOLEAN NOT NULL DEFAULT FALSE,
	tombstone_until TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS chat_messages (
	room_hash  TEXT NOT NULL REFERENCES chat_rooms (hash) ON DELETE CASCADE,
	position   BIGINT NOT NULL,
	shout_hash TEXT NOT NULL,
	posted_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_hash, position)
);`

const (
	queryPutShout = `INSERT INTO shouts (hash, kind, text_content, media_ref, max_hits, current_hits, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7) ON CONFLICT (hash) DO NOTHING`
	queryGetShout = `SELECT kind, text_content, media_ref, max_hits, current_hits, created_at, expires_at, last_hit_at,
reclaimed_reason FROM shouts WHERE hash = $1`
	queryConsumeShout = `UPDATE shouts SET current_hits = current_hits + 1, last_hit_at = $2
WHERE hash = $1 AND reclaimed_reason IS NULL AND current_hits < max_hits AND expires_at > $2
RETURNING kind, text_content, media_ref, max_hits, current_hits, created_at, expires_at, last_hit_at`
	// media hit at or after $2 may still be fetched through the location handed out with it
	queryJunkShouts = `SELECT hash, media_ref FROM shouts
WHERE reclaimed_reason IS NULL AND (current_hits >= max_hits OR expires_at <= $1)
AND (media_ref = '' OR last_hit_at IS NULL OR last_hit_at <= $2)
ORDER BY expires_at LIMIT $3`
	queryReclaimShout = `UPDATE shouts SET
reclaimed_reason = CASE WHEN current_hits >= max_hits THEN 'expired_hits' ELSE 'expired_time' END,
tombstone_until = $3, text_content = '', media_ref = ''
WHERE hash = $1 AND reclaimed_reason IS NULL AND (current_hits >= max_hits OR expires_at <= $2)
AND (media_ref = '' OR last_hit_at IS NULL OR last_hit_at <= $4)`
	queryPurgeShoutTombstones = `DELETE FROM shouts WHERE reclaimed_reason IS NOT NULL AND tombstone_until <= $1`

	queryCreateRoom = `INSERT INTO chat_rooms (hash, created_at, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (hash) DO NOTHING`
	queryGetRoom       = `SELECT created_at, expires_at, last_position, deleted FROM chat_rooms WHERE hash = $1`
	queryAdvanceRoom   = `UPDATE chat_rooms SET last_position = last_position + 1
WHERE hash = $1 AND NOT deleted AND expires_at > $2 RETURNING last_position`
	queryInsertMessage = `INSERT INTO chat_messages (room_hash, position, shout_hash, posted_at) VALUES ($1, $2, $3, $4)`
	queryListMessages  = `SELECT position, shout_hash, posted_at FROM chat_messages
WHERE room_hash = $1 AND position > $2 ORDER BY position`
	queryExpiredRooms = `SELECT hash FROM chat_rooms WHERE NOT deleted AND expires_at <= $1 ORDER BY expires_at LIMIT $2`
	queryDeleteRoom   = `UPDATE chat_rooms SET deleted = TRUE, tombstone_until = $3
WHERE hash = $1 AND NOT deleted AND expires_at <= $2`
	queryDeleteMessages      = `DELETE FROM chat_messages WHERE room_hash = $1`
	queryPurgeRoomTombstones = `DELETE FROM chat_rooms WHERE deleted AND tombstone_until <= $1`
)

// NewPGStore opens a PostgreSQL connection pool with the given DSN. It does not verify connectivity.
func NewPGStore(dsn string, tombstoneTTL time.Duration) (*PGStore, error) {
	db, err := sql.Open("pgx", normalizeDSN(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PGStore{DB: db, TombstoneTTL: tombstoneTTL}, nil
}

// normalizeDSN appends sslmode=disable to URL-style DSNs lacking an explicit sslmode
func normalizeDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn
	}
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&sslmode=disable"
	}
	return dsn + "?sslmode=disable"
}

// EnsureSchema creates the tables backing the store if they are missing
func (s *PGStore) EnsureSchema(ctx context.Context) *se.Err {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		msg := "error creating database schema"
		logging.WithFuncName().WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func nullUntil(now time.Time, ttl time.Duration) sql.NullTime {
	until := tombstoneUntil(now, ttl)
	return sql.NullTime{Time: until, Valid: !until.IsZero()}
}

func limit(max int) int {
	if max == 0 {
		return math.MaxInt32
	}
	return max
}

func (s *PGStore) Put(ctx context.Context, sh *md.Shout) *se.Err {
	res, err := s.DB.ExecContext(ctx, queryPutShout, sh.Hash, string(sh.Kind), sh.Payload.Text, sh.Payload.MediaRef,
		sh.MaxHits, sh.CreatedAt, sh.ExpiresAt)
	if err != nil {
		msg := "error registering shout"
		logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(sh.Hash)).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return se.NewExisted("shout hash taken")
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	sh := &md.Shout{Hash: hash}
	var kind string
	var reclaimed sql.NullString
	var lastHit sql.NullTime
	err := s.DB.QueryRowContext(ctx, queryGetShout, hash).Scan(&kind, &sh.Payload.Text, &sh.Payload.MediaRef,
		&sh.MaxHits, &sh.Hits, &sh.CreatedAt, &sh.ExpiresAt, &lastHit, &reclaimed)
	if err == sql.ErrNoRows {
		return nil, se.NewNotFound("shout not found")
	} else if err != nil {
		msg := "error getting shout data"
		logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash)).WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if reclaimed.Valid {
		return nil, se.FromReason(reclaimed.String, "shout no longer available")
	}
	sh.Kind = md.Kind(kind)
	if lastHit.Valid {
		sh.LastHitAt = lastHit.Time
	}
	return sh, nil
}

func (s *PGStore) Consume(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash))
	sh := &md.Shout{Hash: hash}
	var kind string
	err := s.DB.QueryRowContext(ctx, queryConsumeShout, hash, now).Scan(&kind, &sh.Payload.Text, &sh.Payload.MediaRef,
		&sh.MaxHits, &sh.Hits, &sh.CreatedAt, &sh.ExpiresAt, &sh.LastHitAt)
	if err == nil {
		sh.Kind = md.Kind(kind)
		return sh, nil
	}
	if err != sql.ErrNoRows {
		msg := "error consuming shout"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	// no row updated: the shout is gone, find out why. States never go back to fresh so the answer is stable.
	cur, gerr := s.Get(ctx, hash, now)
	if gerr != nil {
		return nil, gerr
	}
	if serr := stateErr(cur, now); serr != nil {
		return nil, serr
	}
	msg := "shout found fresh after failing to consume it"
	clog.Error(msg)
	return nil, se.NewServiceFailure(msg)
}

func (s *PGStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	const errMsg = "error loading junk shouts"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	rows, err := s.DB.QueryContext(ctx, queryJunkShouts, now, now.Add(-s.MediaGrace), limit(max))
	if err != nil {
		clog.WithError(err).Error("error querying junk shouts")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	defer rows.Close()
	jks := []*md.Junk{}
	for rows.Next() {
		var hash, ref string
		if err := rows.Scan(&hash, &ref); err != nil {
			clog.WithError(err).Error("error scanning junk shout")
			return nil, se.NewServiceFailure(errMsg).WithCause(err)
		}
		jk := &md.Junk{ShoutHash: hash}
		if ref != "" {
			jk.FileRefs = []string{ref}
		}
		jks = append(jks, jk)
	}
	if err := rows.Err(); err != nil {
		clog.WithError(err).Error("error iterating junk shouts")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return jks, nil
}

func (s *PGStore) Reclaim(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	res, err := s.DB.ExecContext(ctx, queryReclaimShout, hash, now, nullUntil(now, s.TombstoneTTL),
		now.Add(-s.MediaGrace))
	if err != nil {
		msg := "error reclaiming shout"
		logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash)).WithError(err).Error(msg)
		return false, se.NewServiceFailure(msg).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, se.NewServiceFailure("error reading reclaim result").WithCause(err)
	}
	return n > 0, nil
}

func (s *PGStore) PurgeTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return s.purge(ctx, queryPurgeShoutTombstones, now)
}

func (s *PGStore) purge(ctx context.Context, query string, now time.Time) (int, *se.Err) {
	res, err := s.DB.ExecContext(ctx, query, now)
	if err != nil {
		msg := "error purging tombstones"
		logging.WithFuncName().WithError(err).Error(msg)
		return 0, se.NewServiceFailure(msg).WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGStore) CreateRoom(ctx context.Context, r *md.Room) *se.Err {
	res, err := s.DB.ExecContext(ctx, queryCreateRoom, r.Hash, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		msg := "error creating room"
		logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(r.Hash)).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return se.NewExisted("room hash taken")
	}
	return nil
}

func (s *PGStore) GetRoom(ctx context.Context, hash string, now time.Time) (*md.Room, *se.Err) {
	r := &md.Room{Hash: hash}
	var deleted bool
	err := s.DB.QueryRowContext(ctx, queryGetRoom, hash).Scan(&r.CreatedAt, &r.ExpiresAt, &r.LastPosition, &deleted)
	if err == sql.ErrNoRows {
		return nil, se.NewRoomNotFound("room not found")
	} else if err != nil {
		msg := "error getting room data"
		logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(hash)).WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if deleted || r.Expired(now) {
		return nil, se.NewRoomExpired("room expired")
	}
	return r, nil
}

func (s *PGStore) Append(ctx context.Context, roomHash, shoutHash string, now time.Time) (*md.Message, *se.Err) {
	const errMsg = "error appending message to room"
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash))
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		clog.WithError(err).Error("error starting transaction")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	defer tx.Rollback()
	// the row lock taken here serializes appenders of the same room until commit
	var pos int64
	if err := tx.QueryRowContext(ctx, queryAdvanceRoom, roomHash, now).Scan(&pos); err == sql.ErrNoRows {
		tx.Rollback()
		_, gerr := s.GetRoom(ctx, roomHash, now)
		if gerr == nil {
			gerr = se.NewRoomExpired("room expired")
		}
		return nil, gerr
	} else if err != nil {
		clog.WithError(err).Error("error advancing room sequence")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if _, err := tx.ExecContext(ctx, queryInsertMessage, roomHash, pos, shoutHash, now); err != nil {
		clog.WithError(err).Error("error inserting message")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		clog.WithError(err).Error("error committing message")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return &md.Message{RoomHash: roomHash, ShoutHash: shoutHash, Position: pos, PostedAt: now}, nil
}

func (s *PGStore) List(ctx context.Context, roomHash string, after int64, now time.Time) ([]*md.Message, *se.Err) {
	const errMsg = "error listing room messages"
	if _, err := s.GetRoom(ctx, roomHash, now); err != nil {
		return nil, err
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash))
	rows, err := s.DB.QueryContext(ctx, queryListMessages, roomHash, after)
	if err != nil {
		clog.WithError(err).Error("error querying room messages")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	defer rows.Close()
	msgs := []*md.Message{}
	for rows.Next() {
		m := &md.Message{RoomHash: roomHash}
		if err := rows.Scan(&m.Position, &m.ShoutHash, &m.PostedAt); err != nil {
			clog.WithError(err).Error("error scanning room message")
			return nil, se.NewServiceFailure(errMsg).WithCause(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return msgs, nil
}

func (s *PGStore) ExpiredRooms(ctx context.Context, now time.Time, max int) ([]string, *se.Err) {
	const errMsg = "error loading expired rooms"
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	rows, err := s.DB.QueryContext(ctx, queryExpiredRooms, now, limit(max))
	if err != nil {
		logging.WithFuncName().WithError(err).Error(errMsg)
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	defer rows.Close()
	hashes := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, se.NewServiceFailure(errMsg).WithCause(err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return hashes, nil
}

func (s *PGStore) DeleteRoom(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	const errMsg = "error deleting room"
	clog := logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(hash))
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		clog.WithError(err).Error("error starting transaction")
		return false, se.NewServiceFailure(errMsg).WithCause(err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, queryDeleteRoom, hash, now, nullUntil(now, s.TombstoneTTL))
	if err != nil {
		clog.WithError(err).Error("error marking room deleted")
		return false, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, queryDeleteMessages, hash); err != nil {
		clog.WithError(err).Error("error deleting room messages")
		return false, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		clog.WithError(err).Error("error committing room deletion")
		return false, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return true, nil
}

func (s *PGStore) PurgeRoomTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return s.purge(ctx, queryPurgeRoomTombstones, now)
}

func (s *PGStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close PostgreSQL connection pool").WithCause(err)
	}
	return nil
}
