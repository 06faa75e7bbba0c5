package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	se "wuyrush.io/shout/errors"
)

func TestShoutState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tcs := []struct {
		name   string
		shout  Shout
		fresh  bool
		reason string
	}{
		{
			name:  "Fresh",
			shout: Shout{MaxHits: 2, Hits: 1, ExpiresAt: now.Add(time.Second)},
			fresh: true,
		},
		{
			name:   "ExhaustedHits",
			shout:  Shout{MaxHits: 2, Hits: 2, ExpiresAt: now.Add(time.Second)},
			reason: se.ReasonExpiredHits,
		},
		{
			name:   "ElapsedTime",
			shout:  Shout{MaxHits: 2, Hits: 0, ExpiresAt: now.Add(-time.Second)},
			reason: se.ReasonExpiredTime,
		},
		{
			name:   "ExpiryIsExclusive",
			shout:  Shout{MaxHits: 2, Hits: 0, ExpiresAt: now},
			reason: se.ReasonExpiredTime,
		},
		{
			name:   "HitsWinOverTime",
			shout:  Shout{MaxHits: 1, Hits: 1, ExpiresAt: now.Add(-time.Hour)},
			reason: se.ReasonExpiredHits,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			fresh, reason := c.shout.State(now)
			assert.Equal(t, c.fresh, fresh)
			assert.Equal(t, c.reason, reason)
			assert.Equal(t, !c.fresh, c.shout.Junk(now))
		})
	}
}

func TestShoutReclaimable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grace := 5 * time.Minute
	media := Payload{MediaRef: "ref.png"}
	tcs := []struct {
		name        string
		shout       Shout
		reclaimable bool
	}{
		{
			name:  "Fresh",
			shout: Shout{MaxHits: 2, Hits: 1, ExpiresAt: now.Add(time.Hour), LastHitAt: now.Add(-time.Hour)},
		},
		{
			name:        "ExhaustedText",
			shout:       Shout{MaxHits: 1, Hits: 1, ExpiresAt: now.Add(time.Hour), LastHitAt: now},
			reclaimable: true,
		},
		{
			name:  "ExhaustedMediaWithinGrace",
			shout: Shout{Payload: media, MaxHits: 1, Hits: 1, ExpiresAt: now.Add(time.Hour), LastHitAt: now.Add(-time.Second)},
		},
		{
			name:        "ExhaustedMediaAfterGrace",
			shout:       Shout{Payload: media, MaxHits: 1, Hits: 1, ExpiresAt: now.Add(time.Hour), LastHitAt: now.Add(-grace)},
			reclaimable: true,
		},
		{
			name:  "ElapsedMediaHitRecently",
			shout: Shout{Payload: media, MaxHits: 3, Hits: 1, ExpiresAt: now.Add(-time.Second), LastHitAt: now.Add(-time.Minute)},
		},
		{
			name:        "ElapsedMediaNeverHit",
			shout:       Shout{Payload: media, MaxHits: 3, ExpiresAt: now.Add(-time.Second)},
			reclaimable: true,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.reclaimable, c.shout.Reclaimable(now, grace))
			assert.True(t, c.shout.Reclaimable(now.Add(time.Hour+grace), grace))
		})
	}
}

func TestKindMedia(t *testing.T) {
	assert.False(t, KindText.Media())
	for _, k := range []Kind{KindPhoto, KindAudio, KindVideo} {
		assert.True(t, k.Media(), "kind %s", k)
	}
	assert.Len(t, KindVals, 4)
}

func TestRoomExpired(t *testing.T) {
	now := time.Now()
	r := &Room{ExpiresAt: now}
	assert.True(t, r.Expired(now))
	assert.False(t, r.Expired(now.Add(-time.Nanosecond)))
}
