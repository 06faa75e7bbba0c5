// Package sweeper vends the worker reclaiming shouts which can never be read again along with their media,
// expired rooms and aged-out tombstones. Readers never depend on it: expiry is decided on every read.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/spf13/viper"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	md "wuyrush.io/shout/models"
	st "wuyrush.io/shout/stores"
)

type Config struct {
	Freq time.Duration
	// max number of shouts, and of rooms, loaded per sweep; 0 loads all
	MaxLoad             int
	ExecPoolSize        int
	WIPCacheSize        int
	WIPCacheEntryExpiry time.Duration
}

func SetDefaults() {
	viper.SetDefault(cst.EnvSweepFreq, 5*time.Second)
	viper.SetDefault(cst.EnvSweepMaxLoad, 500)
	viper.SetDefault(cst.EnvSweepExecPoolSize, 8)
	viper.SetDefault(cst.EnvSweepWIPCacheSize, 4096)
	viper.SetDefault(cst.EnvSweepWIPCacheEntryTTL, time.Minute)
}

func ConfigFromEnv() Config {
	return Config{
		Freq:                viper.GetDuration(cst.EnvSweepFreq),
		MaxLoad:             viper.GetInt(cst.EnvSweepMaxLoad),
		ExecPoolSize:        viper.GetInt(cst.EnvSweepExecPoolSize),
		WIPCacheSize:        viper.GetInt(cst.EnvSweepWIPCacheSize),
		WIPCacheEntryExpiry: viper.GetDuration(cst.EnvSweepWIPCacheEntryTTL),
	}
}

func (c Config) validate() *se.Err {
	switch {
	case c.Freq <= 0:
		return se.NewBadInput(fmt.Sprintf("got non-positive sweep frequency %s", c.Freq))
	case c.MaxLoad < 0:
		return se.NewBadInput(fmt.Sprintf("got negative sweep max load %d", c.MaxLoad))
	case c.ExecPoolSize <= 0:
		return se.NewBadInput(fmt.Sprintf("got non-positive sweep executor pool size %d", c.ExecPoolSize))
	case c.WIPCacheSize <= 0:
		return se.NewBadInput(fmt.Sprintf("got non-positive WIP cache size %d", c.WIPCacheSize))
	case c.WIPCacheEntryExpiry <= 0:
		return se.NewBadInput(fmt.Sprintf("got non-positive WIP cache entry expiry %s", c.WIPCacheEntryExpiry))
	}
	return nil
}

type Sweeper struct {
	Objects st.ObjectStore
	Rooms   st.RoomStore
	Files   st.FileStore
	Cfg     Config
	Now     func() time.Time

	// hashes of shouts under reclamation. Entries of failed reclamations expire so that later sweeps retry them
	wipCache gcache.Cache
	loadMu   sync.Mutex
}

func New(objects st.ObjectStore, rooms st.RoomStore, files st.FileStore, cfg Config) (*Sweeper, *se.Err) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		Objects:  objects,
		Rooms:    rooms,
		Files:    files,
		Cfg:      cfg,
		Now:      time.Now,
		wipCache: gcache.New(cfg.WIPCacheSize).LRU().Build(),
	}, nil
}

// Report sums up what a sweep did
type Report struct {
	Shouts     int `json:"shouts"`
	Rooms      int `json:"rooms"`
	Tombstones int `json:"tombstones"`
	Failures   int `json:"failures"`
}

// Run sweeps every Cfg.Freq until ctx is done
func (sw *Sweeper) Run(ctx context.Context) {
	clog := logging.WithFuncName()
	tkr := time.NewTicker(sw.Cfg.Freq)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			rep, err := sw.SweepOnce(ctx)
			if err != nil {
				// TODO: back off when dependencies are hard-down instead of hammering them every tick
				clog.WithError(err).Error("error sweeping")
				continue
			}
			if rep.Shouts+rep.Rooms+rep.Tombstones+rep.Failures > 0 {
				clog.WithField("report", rep).Info("sweep done")
			}
		case <-ctx.Done():
			clog.Info("context done. Stopping")
			return
		}
	}
}

// SweepOnce runs a single sweep and waits for it to finish
func (sw *Sweeper) SweepOnce(ctx context.Context) (*Report, *se.Err) {
	clog := logging.WithFuncName()
	jks, err := sw.Load(ctx, sw.Cfg.MaxLoad)
	if err != nil {
		return nil, err
	}
	rooms, err := sw.Rooms.ExpiredRooms(ctx, sw.Now(), sw.Cfg.MaxLoad)
	if err != nil {
		clog.WithError(err).Error("error loading expired rooms")
		return nil, err
	}
	clog.WithField("shouts", len(jks)).WithField("rooms", len(rooms)).Debug("junk loaded")
	var shouts, deletedRooms, failures int64
	quotas := make(chan struct{}, sw.Cfg.ExecPoolSize)
	var wg sync.WaitGroup
	dispatch := func(f func()) {
		wg.Add(1)
		go func() {
			quotas <- struct{}{}
			defer func() { <-quotas }()
			defer wg.Done()
			f()
		}()
	}
	for _, jk := range jks {
		jk := jk
		dispatch(func() {
			ok, err := sw.Delete(ctx, jk)
			switch {
			case err != nil:
				atomic.AddInt64(&failures, 1)
			case ok:
				atomic.AddInt64(&shouts, 1)
			}
		})
	}
	for _, h := range rooms {
		h := h
		dispatch(func() {
			ok, err := sw.Rooms.DeleteRoom(ctx, h, sw.Now())
			switch {
			case err != nil:
				logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(h)).
					WithError(err).Error("error deleting expired room")
				atomic.AddInt64(&failures, 1)
			case ok:
				atomic.AddInt64(&deletedRooms, 1)
			}
		})
	}
	wg.Wait()
	rep := &Report{Shouts: int(shouts), Rooms: int(deletedRooms), Failures: int(failures)}
	n, err := sw.Objects.PurgeTombstones(ctx, sw.Now())
	if err != nil {
		clog.WithError(err).Error("error purging shout tombstones")
		return rep, err
	}
	m, err := sw.Rooms.PurgeRoomTombstones(ctx, sw.Now())
	if err != nil {
		clog.WithError(err).Error("error purging room tombstones")
		return rep, err
	}
	rep.Tombstones = n + m
	return rep, nil
}

// Load loads up to max junk shouts which are not under reclamation yet, and marks them as such. It loads all
// junk shouts available if max == 0.
func (sw *Sweeper) Load(ctx context.Context, max int) ([]*md.Junk, *se.Err) {
	clog := logging.WithFuncName()
	jks, err := sw.Objects.Junk(ctx, sw.Now(), max)
	if err != nil {
		clog.WithError(err).Error("error loading junk shouts from ObjectStore")
		return nil, err
	}
	sw.loadMu.Lock()
	defer sw.loadMu.Unlock()
	newJks := []*md.Junk{}
	for _, jk := range jks {
		if _, err := sw.wipCache.Get(jk.ShoutHash); err != nil {
			if err != gcache.KeyNotFoundError {
				msg := "error getting shout hash from local cache"
				clog.WithError(err).Error(msg)
				return nil, se.NewServiceFailure(msg).WithCause(err)
			}
			newJks = append(newJks, jk)
		}
	}
	// best effort: a hash we failed to mark gets picked up again by an overlapping sweep, which is harmless
	// since Delete is idempotent
	for _, jk := range newJks {
		if err := sw.wipCache.SetWithExpire(jk.ShoutHash, struct{}{}, sw.Cfg.WIPCacheEntryExpiry); err != nil {
			clog.WithError(err).WithField(cst.LogFieldShoutRef, logging.Redact(jk.ShoutHash)).
				Error("error marking shout in local cache")
		}
	}
	return newJks, nil
}

// Delete removes the media of a junk shout, then replaces the shout with a tombstone. It reports whether
// this call did the replacement.
func (sw *Sweeper) Delete(ctx context.Context, j *md.Junk) (bool, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(j.ShoutHash))
	errs := make(chan *se.Err, len(j.FileRefs))
	var wg sync.WaitGroup
	for _, ref := range j.FileRefs {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			if err := sw.Files.Delete(ctx, r); err != nil {
				clog.WithError(err).WithField("ref", r).Error("error deleting shout media with FileStore")
				errs <- err
			}
		}(ref)
	}
	wg.Wait()
	close(errs)
	if err, failed := <-errs; failed {
		return false, err
	}
	// at this point all media of the shout is gone; nobody could read the shout anymore anyway
	ok, err := sw.Objects.Reclaim(ctx, j.ShoutHash, sw.Now())
	if err != nil {
		clog.WithError(err).Error("error reclaiming shout from ObjectStore")
		return false, err
	}
	sw.wipCache.Remove(j.ShoutHash)
	return ok, nil
}
