package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	"wuyrush.io/shout/gateway"
	"wuyrush.io/shout/ledger"
	"wuyrush.io/shout/sequencer"
	st "wuyrush.io/shout/stores"
	"wuyrush.io/shout/sweeper"
)

const serviceName = "shout"

// shoutServer serves the JSON API of shout service
type shoutServer struct {
	GW      *gateway.Gateway
	Files   st.FileStore
	Sweeper *sweeper.Sweeper
	Router  *httprouter.Router

	AdminToken       string
	MaxReqBodySize   int64
	FeedPollInterval time.Duration
	RateLimitBurst   int
	RateLimitRPS     float64
}

func (s *shoutServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error starting up server and serving requests")
	}
}

func setDefaults() {
	st.SetDefaults()
	sweeper.SetDefaults()
	viper.SetDefault(cst.EnvAppHost, "0.0.0.0")
	viper.SetDefault(cst.EnvAppPort, "8080")
	viper.SetDefault(cst.EnvReqBodySizeMaxByte, cst.ReqBodySizeMax)
	viper.SetDefault(cst.EnvRoomTTL, cst.DefaultRoomTTL)
	viper.SetDefault(cst.EnvRateLimitRPS, 10)
	viper.SetDefault(cst.EnvRateLimitBurst, 20)
	viper.SetDefault(cst.EnvFeedPollInterval, time.Second)
}

// start up application server and serve incoming requests until the process is told to stop
func serve() error {
	// .env is optional; real env vars win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warning("error loading .env file")
	}
	viper.AutomaticEnv()
	setDefaults()
	logging.SetupLog("ShoutServer", viper.GetBool(cst.EnvVerbose))
	clog := logging.WithFuncName()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b, err := st.SetupBackend(ctx)
	if err != nil {
		clog.WithError(err).Error("error setting up stores")
		return err
	}
	defer b.Close()
	svr, err := newShoutServer(b)
	if err != nil {
		return err
	}
	svr.AdminToken = viper.GetString(cst.EnvAdminToken)
	svr.MaxReqBodySize = viper.GetInt64(cst.EnvReqBodySizeMaxByte)
	svr.FeedPollInterval = viper.GetDuration(cst.EnvFeedPollInterval)
	svr.RateLimitBurst = viper.GetInt(cst.EnvRateLimitBurst)
	svr.RateLimitRPS = viper.GetFloat64(cst.EnvRateLimitRPS)
	svr.SetupMux()

	// nobody else can sweep process memory
	if viper.GetBool(cst.EnvSweepInProcess) || !b.Shared {
		go svr.Sweeper.Run(ctx)
	}

	host, port := viper.GetString(cst.EnvAppHost), viper.GetString(cst.EnvAppPort)
	hs := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", host, port),
		Handler:           svr,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 14,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			clog.WithError(err).Error("error shutting down http server")
		}
	}()
	clog.WithFields(log.Fields{
		"host":    host,
		"port":    port,
		"backend": viper.GetString(cst.EnvBackend),
		"version": version.Info(),
	}).Info("shout server is starting up")
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	clog.Info("shout server stopped")
	return nil
}

func newShoutServer(b *st.Backend) (*shoutServer, error) {
	l := ledger.New(b.Objects)
	sq := sequencer.New(b.Rooms, l, viper.GetDuration(cst.EnvRoomTTL))
	sw, err := sweeper.New(b.Objects, b.Rooms, b.Files, sweeper.ConfigFromEnv())
	if err != nil {
		logging.WithFuncName().WithError(err).Error("error setting up sweeper")
		return nil, err
	}
	return &shoutServer{
		GW:               gateway.New(l, sq, b.Files),
		Files:            b.Files,
		Sweeper:          sw,
		MaxReqBodySize:   cst.ReqBodySizeMax,
		FeedPollInterval: time.Second,
		RateLimitBurst:   20,
		RateLimitRPS:     10,
	}, nil
}
