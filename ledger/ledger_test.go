package ledger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"wuyrush.io/shout/common/token"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
	st "wuyrush.io/shout/stores"
)

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Put(ctx context.Context, s *md.Shout) *se.Err {
	return errOf(m.Called(ctx, s).Get(0))
}

func (m *mockObjectStore) Get(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	args := m.Called(ctx, hash, now)
	s, _ := args.Get(0).(*md.Shout)
	return s, errOf(args.Get(1))
}

func (m *mockObjectStore) Consume(ctx context.Context, hash string, now time.Time) (*md.Shout, *se.Err) {
	args := m.Called(ctx, hash, now)
	s, _ := args.Get(0).(*md.Shout)
	return s, errOf(args.Get(1))
}

func (m *mockObjectStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	return nil, se.NewNotImplemented()
}

func (m *mockObjectStore) Reclaim(ctx context.Context, hash string, now time.Time) (bool, *se.Err) {
	return false, se.NewNotImplemented()
}

func (m *mockObjectStore) PurgeTombstones(ctx context.Context, now time.Time) (int, *se.Err) {
	return 0, se.NewNotImplemented()
}

func (m *mockObjectStore) Close() *se.Err { return nil }

func errOf(v interface{}) *se.Err {
	err, _ := v.(*se.Err)
	return err
}

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1760000000, 0)}
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

func newTestLedger() (*Ledger, *clock) {
	c := newClock()
	l := New(st.NewMemoryStore(time.Hour))
	l.Now = c.Now
	return l, c
}

func createText(t *testing.T, l *Ledger, maxHits int, maxTime time.Duration) string {
	s, err := l.Create(context.Background(), md.KindText, md.Payload{Text: "psst"}, maxHits, maxTime)
	require.Nil(t, err)
	return s.Hash
}

func TestCreate(t *testing.T) {
	l, c := newTestLedger()
	s, err := l.Create(context.Background(), md.KindPhoto, md.Payload{MediaRef: "a.png"}, 3, time.Minute)
	require.Nil(t, err)
	assert.True(t, token.Valid(s.Hash))
	assert.Equal(t, 0, s.Hits)
	assert.Equal(t, c.Now(), s.CreatedAt)
	assert.Equal(t, c.Now().Add(time.Minute), s.ExpiresAt)

	got, err := l.Get(context.Background(), s.Hash)
	require.Nil(t, err)
	assert.Equal(t, s, got)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	tcs := []struct {
		name    string
		kind    md.Kind
		payload md.Payload
		maxHits int
		maxTime time.Duration
	}{
		{"UnknownKind", md.Kind("gif"), md.Payload{Text: "x"}, 1, time.Minute},
		{"ZeroHits", md.KindText, md.Payload{Text: "x"}, 0, time.Minute},
		{"NegativeTime", md.KindText, md.Payload{Text: "x"}, 1, -time.Second},
		{"EmptyText", md.KindText, md.Payload{}, 1, time.Minute},
		{"TextWithMedia", md.KindText, md.Payload{Text: "x", MediaRef: "a.png"}, 1, time.Minute},
		{"MediaWithoutRef", md.KindAudio, md.Payload{Text: "x"}, 1, time.Minute},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			ms := &mockObjectStore{}
			l := New(ms)
			_, err := l.Create(context.Background(), tc.kind, tc.payload, tc.maxHits, tc.maxTime)
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)
			ms.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateRetriesCollisions(t *testing.T) {
	tcs := []struct {
		name       string
		collisions int
		expected   se.ErrCode
	}{
		{"OneCollision", 1, ""},
		{"TwoCollisions", 2, ""},
		{"GivesUp", createAttempts, se.ErrCodeServiceFailure},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			ms := &mockObjectStore{}
			ms.On("Put", mock.Anything, mock.Anything).Return(se.NewExisted("taken")).Times(tc.collisions)
			ms.On("Put", mock.Anything, mock.Anything).Return(nil)
			l := New(ms)
			s, err := l.Create(context.Background(), md.KindText, md.Payload{Text: "x"}, 1, time.Minute)
			if tc.expected != "" {
				require.NotNil(t, err)
				assert.Equal(t, tc.expected, err.Code)
				ms.AssertNumberOfCalls(t, "Put", createAttempts)
				return
			}
			require.Nil(t, err)
			assert.NotNil(t, s)
			ms.AssertNumberOfCalls(t, "Put", tc.collisions+1)
		})
	}
}

func TestCreatePassesStoreFailureThrough(t *testing.T) {
	ms := &mockObjectStore{}
	ms.On("Put", mock.Anything, mock.Anything).Return(se.NewUpstreamUnavailable("down"))
	_, err := New(ms).Create(context.Background(), md.KindText, md.Payload{Text: "x"}, 1, time.Minute)
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeUpstreamUnavailable, err.Code)
	ms.AssertNumberOfCalls(t, "Put", 1)
}

func TestMalformedHashSkipsStore(t *testing.T) {
	ms := &mockObjectStore{}
	l := New(ms)
	for _, h := range []string{"", "short", strings.Repeat("!", token.Len), strings.Repeat("a", token.Len+1)} {
		err := l.Peek(context.Background(), h)
		require.NotNil(t, err)
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
		_, err = l.Consume(context.Background(), h)
		require.NotNil(t, err)
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
	ms.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	ms.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownHash(t *testing.T) {
	l, _ := newTestLedger()
	h, err := token.New()
	require.NoError(t, err)
	perr := l.Peek(context.Background(), h)
	require.NotNil(t, perr)
	assert.Equal(t, se.ReasonNotFound, perr.Reason())
}

func TestPeekNeverConsumes(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	h := createText(t, l, 1, time.Minute)
	for i := 0; i < 5; i++ {
		require.Nil(t, l.Peek(ctx, h))
	}
	s, err := l.Consume(ctx, h)
	require.Nil(t, err)
	assert.Equal(t, 1, s.Hits)
	perr := l.Peek(ctx, h)
	require.NotNil(t, perr)
	assert.Equal(t, se.ReasonExpiredHits, perr.Reason())
}

func TestTimeExpiryBeatsRemainingHits(t *testing.T) {
	l, c := newTestLedger()
	ctx := context.Background()
	h := createText(t, l, 5, time.Minute)
	_, err := l.Consume(ctx, h)
	require.Nil(t, err)
	c.Advance(time.Minute)
	_, err = l.Consume(ctx, h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredTime, err.Reason())
	s, err := l.Get(ctx, h)
	require.Nil(t, err)
	assert.Equal(t, 1, s.Hits, "failed consume must not count a hit")
}

func TestZeroMaxTimeIsExpiredAtOnce(t *testing.T) {
	l, _ := newTestLedger()
	h := createText(t, l, 1, 0)
	_, err := l.Consume(context.Background(), h)
	require.NotNil(t, err)
	assert.Equal(t, se.ReasonExpiredTime, err.Reason())
}

func TestFailureReasonIsStable(t *testing.T) {
	l, c := newTestLedger()
	ctx := context.Background()
	h := createText(t, l, 1, time.Minute)
	_, err := l.Consume(ctx, h)
	require.Nil(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Consume(ctx, h)
		require.NotNil(t, err)
		assert.Equal(t, se.ReasonExpiredHits, err.Reason())
		// the shout also runs out of time, the reason must stay the same
		c.Advance(time.Minute)
	}
}

func TestConcurrentConsume(t *testing.T) {
	tcs := []struct {
		maxHits, readers int
	}{
		{1, 50},
		{3, 50},
		{10, 10},
		{20, 5},
	}
	for _, tc := range tcs {
		l, _ := newTestLedger()
		h := createText(t, l, tc.maxHits, time.Hour)
		var ok, expired int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < tc.readers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := l.Consume(context.Background(), h); err == nil {
					atomic.AddInt32(&ok, 1)
				} else if err.Reason() == se.ReasonExpiredHits {
					atomic.AddInt32(&expired, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		want := tc.maxHits
		if tc.readers < want {
			want = tc.readers
		}
		assert.Equal(t, int32(want), ok, "maxHits=%d readers=%d", tc.maxHits, tc.readers)
		assert.Equal(t, int32(tc.readers-want), expired)
	}
}

func TestHitsNeverExceedMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	properties.Property("consumes succeed exactly min(maxHits, attempts) times", prop.ForAll(
		func(maxHits, attempts int) bool {
			l, _ := newTestLedger()
			s, err := l.Create(context.Background(), md.KindText, md.Payload{Text: "x"}, maxHits, time.Hour)
			if err != nil {
				return false
			}
			succeeded := 0
			for i := 0; i < attempts; i++ {
				got, err := l.Consume(context.Background(), s.Hash)
				if err == nil {
					succeeded++
					if got.Hits != succeeded || got.Hits > maxHits {
						return false
					}
				} else if err.Reason() != se.ReasonExpiredHits {
					return false
				}
			}
			want := maxHits
			if attempts < want {
				want = attempts
			}
			snap, gerr := l.Get(context.Background(), s.Hash)
			return gerr == nil && succeeded == want && snap.Hits == want
		},
		gen.IntRange(1, 100),
		gen.IntRange(0, 120),
	))
	properties.TestingRun(t)
}
