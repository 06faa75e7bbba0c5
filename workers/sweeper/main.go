// Package main vends a long-running worker which sweeps junk shouts, their media and expired rooms off
// shared stores, so that servers don't have to.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	st "wuyrush.io/shout/stores"
	"wuyrush.io/shout/sweeper"
)

func main() {
	if err := runSweeper(); err != nil {
		log.WithError(err).Fatal("error running sweeper")
	}
}

func runSweeper() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warning("error loading .env file")
	}
	viper.AutomaticEnv()
	st.SetDefaults()
	sweeper.SetDefaults()
	logging.SetupLog("ShoutSweeper", viper.GetBool(cst.EnvVerbose))
	clog := logging.WithFuncName()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b, err := st.SetupBackend(ctx)
	if err != nil {
		clog.WithError(err).Error("error setting up stores")
		return err
	}
	defer b.Close()
	if !b.Shared {
		return se.NewBadInput("sweeper needs a shared backend; memory stores can only be swept in-process")
	}
	sw, serr := sweeper.New(b.Objects, b.Rooms, b.Files, sweeper.ConfigFromEnv())
	if serr != nil {
		clog.WithError(serr).Error("error setting up sweeper")
		return serr
	}
	clog.WithFields(log.Fields{
		"backend": viper.GetString(cst.EnvBackend),
		"config":  sw.Cfg,
		"version": version.Info(),
	}).Info("sweeper is starting up")
	sw.Run(ctx)
	return nil
}
