package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ansmatterer/siosession"
	"github.com/ansmatterer/siosession/socketio"
)

func main() {
	path := "demo.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := siosession.LoadConfig(path)
	if err != nil {
		l := siosession.Logger()
		l.Fatal().Err(err).Msg("load config")
	}
	log := siosession.ConfigureLogging(cfg.Log)

	opts, err := cfg.Options.Build()
	if err != nil {
		log.Fatal().Err(err).Msg("build options")
	}

	transport := socketio.New(socketio.Config{Version: socketio.Version(cfg.Version), Logger: &log})
	holder := siosession.NewHolder(func() *siosession.Manager {
		return siosession.NewManager(transport, siosession.WithLogger(log))
	})
	defer holder.Destroy()

	session := holder.Get()
	status := session.Subscribe()
	go func() {
		for ev := range status.C {
			log.Info().Stringer("status", ev).Msg("status changed")
		}
	}()
	session.OnError(func(reason string) {
		log.Error().Str("reason", reason).Msg("session error")
	})

	ctx := context.Background()

	// registered before connecting, promoted once the session exists
	if err := session.On(ctx, "message", func(data siosession.Value) {
		log.Info().Stringer("data", data).Msg("message received")
	}); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}

	sid, err := session.Connect(ctx, cfg.URL, func(id string) {
		log.Info().Str("sid", id).Msg("session id received")
	}, opts)
	if err != nil {
		log.Error().Err(err).Msg("connect")
		return
	}
	log.Info().Str("sid", sid).Msg("connected")

	if err := session.Emit(ctx, "message", siosession.String("Hello")); err != nil {
		log.Error().Err(err).Msg("emit")
	}
	if err := transport.EmitWithAck(ctx, "message", siosession.String("Hello with ack"), func(reply siosession.Value) {
		log.Info().Stringer("reply", reply).Msg("server ack")
	}); err != nil {
		log.Error().Err(err).Msg("emit with ack")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := session.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("disconnect")
	}
	log.Info().Msg("bye")
}
