package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Dispatcher %s (%s)", Version, GitSHA)

	cfg := config.MustLoadDispatcher()
	logging.Setup(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}

	app, err := dispatcher.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[main] failed to create dispatcher: %v", err)
	}
	defer app.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Printf("[metrics] listening on %s", cfg.Metrics.Addr)
			return metrics.Run(gctx, cfg.Metrics.Addr)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] shutdown complete")
		} else {
			log.Fatalf("[main] dispatcher failed: %v", err)
		}
	}

	log.Println("[main] dispatcher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}
