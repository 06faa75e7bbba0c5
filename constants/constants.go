// Package constants vends constants used in various components of shout service, e.g., env var names
package constants

import "time"

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "SHOUT_VERBOSE"
	EnvBackend = "SHOUT_BACKEND"
	// stores
	EnvRedisHost    = "REDIS_HOST"
	EnvRedisPort    = "REDIS_PORT"
	EnvRedisPasswd  = "REDIS_PASSWD"
	EnvRedisDB      = "REDIS_DB"
	EnvPGDSN        = "SHOUT_PG_DSN"
	EnvFileStore    = "SHOUT_FILE_STORE"
	EnvFileStoreDir = "SHOUT_FILE_STORE_DIR"
	EnvS3Endpoint   = "S3_ENDPOINT"
	EnvS3Region     = "S3_REGION"
	EnvS3Bucket     = "S3_BUCKET"
	EnvS3AccessKey  = "S3_ACCESS_KEY"
	EnvS3SecretKey  = "S3_SECRET_KEY"
	EnvS3UseSSL     = "S3_USE_SSL"
	EnvMediaURLTTL  = "SHOUT_MEDIA_URL_TTL"
	EnvTombstoneTTL = "SHOUT_TOMBSTONE_TTL"
	EnvRoomTTL      = "SHOUT_ROOM_TTL"
	// server
	EnvAppHost            = "SHOUT_HOST"
	EnvAppPort            = "SHOUT_PORT"
	EnvReqBodySizeMaxByte = "SHOUT_REQ_BODY_SIZE_MAX_BYTE"
	EnvRateLimitRPS       = "SHOUT_RATE_LIMIT_RPS"
	EnvRateLimitBurst     = "SHOUT_RATE_LIMIT_BURST"
	EnvAdminToken         = "SHOUT_ADMIN_TOKEN"
	EnvFeedPollInterval   = "SHOUT_FEED_POLL_INTERVAL"
	EnvSweepInProcess     = "SHOUT_SWEEP_IN_PROCESS"
	// sweeper
	EnvSweepFreq             = "SHOUT_SWEEP_FREQ"
	EnvSweepMaxLoad          = "SHOUT_SWEEP_MAX_LOAD"
	EnvSweepExecPoolSize     = "SHOUT_SWEEP_EXEC_POOL_SIZE"
	EnvSweepWIPCacheSize     = "SHOUT_SWEEP_WIP_CACHE_SIZE"
	EnvSweepWIPCacheEntryTTL = "SHOUT_SWEEP_WIP_CACHE_ENTRY_EXPIRY"

	// -------------- backends --------------
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	FileStoreLocal  = "local"
	FileStoreMinio  = "minio"

	// -------------- limits --------------
	MaxHitsMin     = 1
	MaxHitsMax     = 100
	MaxTimeMin     = 0
	MaxTimeMax     = 1440 // minutes
	TextSizeMax    = 10000
	PhotoSizeMax   = 10 << 20
	AudioSizeMax   = 50 << 20
	VideoSizeMax   = 100 << 20
	ReqBodySizeMax = VideoSizeMax + 1<<20

	// solo shouts
	DefaultMaxHits = 1
	DefaultMaxTime = 240
	// room messages
	DefaultMsgMaxHits = 10
	DefaultMsgMaxTime = 5

	DefaultRoomTTL     = 5 * time.Minute
	DefaultMediaURLTTL = 300 * time.Second

	// tombstones are kept forever unless a positive retention is configured
	DefaultTombstoneTTL time.Duration = 0

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName  = "funcName"
	LogFieldShoutRef  = "shoutRef"
	LogFieldRoomRef   = "roomRef"
	LogFieldRequestID = "requestId"

	// -------------- http --------------
	HeaderRequestID  = "X-Request-Id"
	HeaderAdminToken = "X-Admin-Token"
)
