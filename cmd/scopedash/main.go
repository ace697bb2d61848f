package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/scopedash/scopedash/internal/logger"
	"github.com/scopedash/scopedash/internal/monitor"
	"github.com/scopedash/scopedash/internal/ports"
	"github.com/scopedash/scopedash/internal/publish"
	"github.com/scopedash/scopedash/internal/scope"
	"github.com/scopedash/scopedash/internal/server"
	"github.com/scopedash/scopedash/web"
)

func main() {
	configPath := flag.String("config", "/etc/scopedash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated instrument")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Scope.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Log.Debug = true
	}

	if err := logger.Init(logger.Options{
		Dir:     cfg.Log.Dir,
		Console: cfg.Log.Console,
		Debug:   cfg.Log.Debug,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
	}

	log.Info().Msg("scopedash starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// The demo instrument answers the real protocol behind a fake port, so
	// every layer above the factory runs unchanged.
	var factory scope.SerialPortFactory
	if cfg.Scope.Type == "demo" {
		factory = scope.SimulatedPortFactory
	}

	worker := scope.NewWorker(factory, nil)
	go worker.Run(ctx)

	watcher := ports.NewWatcher(nil, nil)
	go watcher.Run(ctx)

	if cfg.Monitor.Enabled {
		monitor.Register()
		go func() {
			if err := monitor.Serve(ctx, cfg.Monitor.ListenAddr); err != nil {
				log.Error().Err(err).Msg("monitor server exited")
			}
		}()
	}

	srv := server.New(cfg, worker, watcher, web.FS)

	if cfg.Logging.Enabled {
		cl, err := logger.NewCaptureLog(cfg.Logging.Path)
		if err != nil {
			log.Error().Err(err).Msg("capture log disabled")
		} else {
			srv.SetCaptureLog(cl)
		}
	}

	if cfg.Publish.Enabled {
		pub, err := publish.New(ctx, publish.Options{
			Addr:     cfg.Publish.Addr,
			Password: cfg.Publish.Password,
			DB:       cfg.Publish.DB,
			Channel:  cfg.Publish.Channel,
		})
		if err != nil {
			log.Error().Err(err).Msg("capture publishing disabled")
		} else {
			defer pub.Close()
			srv.SetPublisher(pub)
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
	}
}
