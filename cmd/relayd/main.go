package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	httpServer "github.com/lumiclass/classbus/relay/server/http"
	websocketServer "github.com/lumiclass/classbus/relay/server/websocket"
	"github.com/lumiclass/classbus/relay/service"
	store "github.com/lumiclass/classbus/relay/storage/memory"
	sw "github.com/lumiclass/classbus/relay/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		busListenAddr = fs.StringP("bus-listen-addr", "b", ":8888", "websocket bus listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		maxMembers    = fs.IntP("max-channel-members", "m", 0, "max members per channel, 0 for unlimited")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Store:  store.NewMemStore(*maxMembers),
		Switch: sw.NewSwitch(&logger),
		Logger: &logger,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		ChannelService: svc,
		ListenAddr:     *apiListenAddr,
	})
	busSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		BusService: svc,
		ListenAddr: *busListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go busSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
