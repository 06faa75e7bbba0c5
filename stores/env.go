package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	rt "wuyrush.io/shout/common/retry"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
)

// Backend bundles the stores a shout service component works with.
type Backend struct {
	Objects ObjectStore
	Rooms   RoomStore
	Files   FileStore
	// Shared reports whether the record stores outlive the process and can be swept by another one
	Shared bool
}

func (b *Backend) Close() {
	// record stores may be one value behind both interfaces; closing twice is harmless for every driver
	if err := b.Objects.Close(); err != nil {
		log.WithError(err).Error("error closing ObjectStore")
	}
	if b.Rooms != nil && interface{}(b.Rooms) != interface{}(b.Objects) {
		if err := b.Rooms.Close(); err != nil {
			log.WithError(err).Error("error closing RoomStore")
		}
	}
	if err := b.Files.Close(); err != nil {
		log.WithError(err).Error("error closing FileStore")
	}
}

// SetDefaults registers the default values of the configuration consumed by this package
func SetDefaults() {
	viper.SetDefault(cst.EnvBackend, cst.BackendMemory)
	viper.SetDefault(cst.EnvRedisHost, "localhost")
	viper.SetDefault(cst.EnvRedisPort, "6379")
	viper.SetDefault(cst.EnvRedisDB, 0)
	viper.SetDefault(cst.EnvFileStore, cst.FileStoreLocal)
	viper.SetDefault(cst.EnvFileStoreDir, "/tmp/shout-media")
	viper.SetDefault(cst.EnvS3Region, "us-east-1")
	viper.SetDefault(cst.EnvS3Bucket, "shout-media")
	viper.SetDefault(cst.EnvMediaURLTTL, cst.DefaultMediaURLTTL)
	viper.SetDefault(cst.EnvTombstoneTTL, cst.DefaultTombstoneTTL)
}

func dependencyRetryOpts() []rt.RetryOption {
	return []rt.RetryOption{
		rt.WithTimeout(10 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithJitter(0.2),
		rt.WithMaxBackoff(2 * time.Second),
		rt.WithRetryOn(rt.IsDepOffline),
	}
}

// SetupBackend builds the stores picked by configuration and waits for their dependencies to come up.
// NOTE docker compose's depends_on feature only guarantee the startup order of *service containers*,
// instead of the services themselves - It is us who define when the services are ready
func SetupBackend(ctx context.Context) (*Backend, error) {
	b := &Backend{}
	tombTTL := viper.GetDuration(cst.EnvTombstoneTTL)
	// consumed media outlives its shout for as long as the location handed out with it
	grace := viper.GetDuration(cst.EnvMediaURLTTL)
	switch kind := viper.GetString(cst.EnvBackend); kind {
	case cst.BackendMemory:
		ms := NewMemoryStore(tombTTL)
		ms.MediaGrace = grace
		b.Objects, b.Rooms = ms, ms
	case cst.BackendRedis:
		rs, err := setupRedisStore(tombTTL)
		if err != nil {
			return nil, err
		}
		rs.MediaGrace = grace
		b.Objects, b.Rooms, b.Shared = rs, rs, true
	case cst.BackendPostgres:
		ps, err := setupPGStore(ctx, tombTTL)
		if err != nil {
			return nil, err
		}
		ps.MediaGrace = grace
		b.Objects, b.Rooms, b.Shared = ps, ps, true
	default:
		return nil, se.NewBadInput(fmt.Sprintf("unknown backend %q", kind))
	}
	fs, err := setupFileStore(ctx)
	if err != nil {
		b.Objects.Close()
		return nil, err
	}
	b.Files = fs
	return b, nil
}

func setupRedisStore(tombTTL time.Duration) (*RedisStore, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	// verify the client is up correctly
	pingFn := func() error {
		_, err := redisClient.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, dependencyRetryOpts()...); err != nil {
		redisClient.Close()
		return nil, se.NewServiceFailure("failed initializing Redis").WithCause(err)
	}
	return &RedisStore{DB: redisClient, TombstoneTTL: tombTTL}, nil
}

func setupPGStore(ctx context.Context, tombTTL time.Duration) (*PGStore, error) {
	ps, err := NewPGStore(viper.GetString(cst.EnvPGDSN), tombTTL)
	if err != nil {
		return nil, se.NewServiceFailure("failed opening PostgreSQL connection pool").WithCause(err)
	}
	pingFn := func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return ps.DB.PingContext(pctx)
	}
	if err := rt.Retry(pingFn, dependencyRetryOpts()...); err != nil {
		ps.Close()
		return nil, se.NewServiceFailure("failed initializing PostgreSQL").WithCause(err)
	}
	if err := ps.EnsureSchema(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}

func setupFileStore(ctx context.Context) (FileStore, error) {
	switch kind := viper.GetString(cst.EnvFileStore); kind {
	case cst.FileStoreLocal:
		return &LocalFileStore{Dir: viper.GetString(cst.EnvFileStoreDir)}, nil
	case cst.FileStoreMinio:
		region := viper.GetString(cst.EnvS3Region)
		fs, err := NewMinioFileStore(MinioConfig{
			Endpoint:  viper.GetString(cst.EnvS3Endpoint),
			Region:    region,
			Bucket:    viper.GetString(cst.EnvS3Bucket),
			AccessKey: viper.GetString(cst.EnvS3AccessKey),
			SecretKey: viper.GetString(cst.EnvS3SecretKey),
			UseSSL:    viper.GetBool(cst.EnvS3UseSSL),
			URLTTL:    viper.GetDuration(cst.EnvMediaURLTTL),
		})
		if err != nil {
			return nil, se.NewServiceFailure("failed creating object storage client").WithCause(err)
		}
		ensure := func() error {
			bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return fs.EnsureBucket(bctx, region)
		}
		if err := rt.Retry(ensure, dependencyRetryOpts()...); err != nil {
			return nil, se.NewServiceFailure("failed initializing object storage").WithCause(err)
		}
		return fs, nil
	default:
		return nil, se.NewBadInput(fmt.Sprintf("unknown file store %q", kind))
	}
}
