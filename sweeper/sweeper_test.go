package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	"wuyrush.io/shout/ledger"
	md "wuyrush.io/shout/models"
	st "wuyrush.io/shout/stores"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubbornFileStore refuses to delete anything while stuck is set
type stubbornFileStore struct {
	*st.LocalFileStore
	mu    sync.Mutex
	stuck bool
}

func (fs *stubbornFileStore) Delete(ctx context.Context, ref string) *se.Err {
	fs.mu.Lock()
	stuck := fs.stuck
	fs.mu.Unlock()
	if stuck {
		return se.NewServiceFailure("disk on fire")
	}
	return fs.LocalFileStore.Delete(ctx, ref)
}

func testConfig() Config {
	return Config{
		Freq:                10 * time.Millisecond,
		MaxLoad:             0,
		ExecPoolSize:        4,
		WIPCacheSize:        128,
		WIPCacheEntryExpiry: time.Minute,
	}
}

const testMediaGrace = 5 * time.Minute

type fixture struct {
	store *st.MemoryStore
	files *stubbornFileStore
	l     *ledger.Ledger
	sw    *Sweeper
	c     *clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	c := &clock{now: time.Unix(1760000000, 0)}
	ms := st.NewMemoryStore(cst.DefaultTombstoneTTL)
	ms.MediaGrace = testMediaGrace
	fs := &stubbornFileStore{LocalFileStore: &st.LocalFileStore{Dir: t.TempDir()}}
	l := ledger.New(ms)
	l.Now = c.Now
	sw, err := New(ms, ms, fs, cfg)
	require.Nil(t, err)
	sw.Now = c.Now
	return &fixture{store: ms, files: fs, l: l, sw: sw, c: c}
}

func (f *fixture) mediaShout(t *testing.T, maxHits int, ttl time.Duration) (string, string) {
	ctx := context.Background()
	ref := f.files.Ref(".png")
	require.Nil(t, f.files.Save(ctx, ref, strings.NewReader("pixels"), 6))
	s, err := f.l.Create(ctx, md.KindPhoto, md.Payload{MediaRef: ref}, maxHits, ttl)
	require.Nil(t, err)
	return s.Hash, ref
}

func (f *fixture) mediaExists(ref string) bool {
	_, err := os.Stat(filepath.Join(f.files.Dir, ref))
	return err == nil
}

func TestNewRejectsBadConfig(t *testing.T) {
	tcs := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroFreq", func(c *Config) { c.Freq = 0 }},
		{"NegativeLoad", func(c *Config) { c.MaxLoad = -1 }},
		{"NoExecutors", func(c *Config) { c.ExecPoolSize = 0 }},
		{"NoCache", func(c *Config) { c.WIPCacheSize = 0 }},
		{"NoExpiry", func(c *Config) { c.WIPCacheEntryExpiry = 0 }},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			ms := st.NewMemoryStore(time.Hour)
			_, err := New(ms, ms, &st.LocalFileStore{Dir: t.TempDir()}, cfg)
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)
		})
	}
}

func TestSweepOnceReclaimsJunkOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	read, readRef := f.mediaShout(t, 1, time.Hour)
	old, oldRef := f.mediaShout(t, 5, time.Minute)
	fresh, freshRef := f.mediaShout(t, 2, time.Hour)
	_, err := f.l.Consume(ctx, read)
	require.Nil(t, err)
	f.c.Advance(testMediaGrace)

	rep, err := f.sw.SweepOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, 2, rep.Shouts)
	assert.Equal(t, 0, rep.Failures)

	assert.False(t, f.mediaExists(readRef))
	assert.False(t, f.mediaExists(oldRef))
	assert.True(t, f.mediaExists(freshRef))
	require.Nil(t, f.l.Peek(ctx, fresh))

	// nothing left to do
	rep, err = f.sw.SweepOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, rep.Shouts)

	// tombstones keep serving the reasons
	_, err = f.l.Consume(ctx, read)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredHits, err.Reason())
	_, err = f.l.Consume(ctx, old)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredTime, err.Reason())
}

func TestConsumedMediaOutlivesShoutForURLLifetime(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	h, ref := f.mediaShout(t, 1, time.Hour)
	_, err := f.l.Consume(ctx, h)
	require.Nil(t, err)
	f.c.Advance(time.Second)

	rep, err := f.sw.SweepOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, rep.Shouts)
	rc, ferr := f.files.Get(ctx, ref)
	require.Nil(t, ferr, "media must stay downloadable while the handed out location is valid")
	rc.Close()
	// the shout itself is gone for readers all along
	_, err = f.l.Consume(ctx, h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredHits, err.Reason())

	f.c.Advance(testMediaGrace - time.Second)
	rep, err = f.sw.SweepOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, rep.Shouts)
	_, ferr = f.files.Get(ctx, ref)
	require.NotNil(t, ferr)
	assert.Equal(t, se.ErrCodeNotFound, ferr.Code)
}

func TestReasonSurvivesSweepAndPurge(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	h, _ := f.mediaShout(t, 1, time.Hour)
	_, err := f.l.Consume(ctx, h)
	require.Nil(t, err)
	before := f.l.Peek(ctx, h)
	require.NotNil(t, before)

	f.c.Advance(testMediaGrace)
	rep, serr := f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	require.Equal(t, 1, rep.Shouts)
	after := f.l.Peek(ctx, h)
	require.NotNil(t, after)
	assert.Equal(t, before.Reason(), after.Reason())

	// tombstones are kept forever by default
	f.c.Advance(10 * 365 * 24 * time.Hour)
	rep, serr = f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 0, rep.Tombstones)
	later := f.l.Peek(ctx, h)
	require.NotNil(t, later)
	assert.Equal(t, se.ReasonExpiredHits, later.Reason())
}

func TestConfiguredTombstoneRetention(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.TombstoneTTL = time.Hour
	ctx := context.Background()
	h, _ := f.mediaShout(t, 1, time.Minute)
	f.c.Advance(time.Minute)
	_, serr := f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	err := f.l.Peek(ctx, h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredTime, err.Reason())

	// once the retention ends the shout is simply unknown
	f.c.Advance(time.Hour)
	rep, serr := f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 1, rep.Tombstones)
	err = f.l.Peek(ctx, h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonNotFound, err.Reason())
}

func TestSweepOnceDeletesExpiredRooms(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	now := f.c.Now()
	expired := &md.Room{Hash: "expired-room", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	live := &md.Room{Hash: "live-room", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.Nil(t, f.store.CreateRoom(ctx, expired))
	require.Nil(t, f.store.CreateRoom(ctx, live))
	f.c.Advance(time.Minute)

	rep, err := f.sw.SweepOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, rep.Rooms)
	_, err = f.store.GetRoom(ctx, expired.Hash, f.c.Now())
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeRoomExpired, err.Code)
	_, err = f.store.GetRoom(ctx, live.Hash, f.c.Now())
	assert.Nil(t, err)
}

func TestMediaFailureKeepsShoutForLaterSweeps(t *testing.T) {
	cfg := testConfig()
	cfg.WIPCacheEntryExpiry = time.Nanosecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	h, ref := f.mediaShout(t, 1, time.Hour)
	_, err := f.l.Consume(ctx, h)
	require.Nil(t, err)
	f.c.Advance(testMediaGrace)

	f.files.stuck = true
	rep, serr := f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 1, rep.Failures)
	assert.Equal(t, 0, rep.Shouts)
	assert.True(t, f.mediaExists(ref))
	jks, jerr := f.store.Junk(ctx, f.c.Now(), 0)
	require.Nil(t, jerr)
	assert.Len(t, jks, 1, "shout must not be reclaimed while its media is around")

	f.files.stuck = false
	time.Sleep(time.Millisecond)
	rep, serr = f.sw.SweepOnce(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 1, rep.Shouts)
	assert.False(t, f.mediaExists(ref))
}

func TestLoadSkipsShoutsInFlight(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	a, _ := f.mediaShout(t, 1, 0)
	b, _ := f.mediaShout(t, 1, 0)

	jks, err := f.sw.Load(ctx, 1)
	require.Nil(t, err)
	require.Len(t, jks, 1)
	first := jks[0].ShoutHash
	assert.Contains(t, []string{a, b}, first)

	jks, err = f.sw.Load(ctx, 0)
	require.Nil(t, err)
	require.Len(t, jks, 1)
	assert.NotEqual(t, first, jks[0].ShoutHash)

	jks, err = f.sw.Load(ctx, 0)
	require.Nil(t, err)
	assert.Empty(t, jks)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, testConfig())
	h, ref := f.mediaShout(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sw.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return !f.mediaExists(ref) }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	err := f.l.Peek(context.Background(), h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredTime, err.Reason())
}
