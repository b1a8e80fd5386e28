package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/callrelay/backend/config"
	httpServer "github.com/adwski/callrelay/backend/server/http"
	websocketServer "github.com/adwski/callrelay/backend/server/websocket"
	"github.com/adwski/callrelay/backend/service"
	store "github.com/adwski/callrelay/backend/storage/memory"
	sw "github.com/adwski/callrelay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.LogLevel)

	registry := store.NewRegistry()
	swtch := sw.NewSwitch(sw.Config{
		Registry:    registry,
		Logger:      &logger,
		RingTimeout: cfg.RingTimeout,
	})
	svc := service.NewService(service.Config{
		Registry:   registry,
		Switch:     swtch,
		ICEServers: cfg.ICEServers,
		SendBuffer: cfg.SendBuffer,
		Logger:     &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:          &logger,
		PresenceService: svc,
		ListenAddr:      cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		MaxMessageSize:   cfg.MaxMessageSize,
		PingInterval:     cfg.PingInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go swtch.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
