// Command chatrelay runs the WebSocket chat relay that stream clients
// connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"gophersnake-go/internal/config"
	"gophersnake-go/internal/events"
	"gophersnake-go/internal/logging"
	"gophersnake-go/internal/monitoring/tracing"
	"gophersnake-go/internal/relay"
	"gophersnake-go/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML or JSON)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	manager, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	defer manager.Stop()

	cfg := manager.Get()
	if *debug {
		cfg.Debug = true
	}

	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	manager.OnChange(func(_, updated *config.Config) {
		if err := logging.Setup(updated); err != nil {
			log.WithError(err).Warn("could not apply reloaded logging config")
		}
	})
	manager.StartWatcher()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.WithError(err).Debug("tracing shutdown")
			}
		}()
	}

	hub := events.NewHub()
	hub.Subscribe(events.TopicChatMessage, func(_ context.Context, e events.Event) {
		log.WithField("payload", e.Payload).Debug("chat message relayed")
	})

	log.WithField("version", version.Version).Info("starting chat relay")

	if err := relay.New(cfg, hub).Run(ctx); err != nil {
		log.WithError(err).Error("chat relay terminated")
		os.Exit(1)
	}
	log.Info("chat relay stopped")
}
