package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metadata"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-dispatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:          "worker",
	Short:        "Task worker for one or more dispatchers",
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Exchange with the configured dispatchers and execute tasks",
			RunE:  runWorker,
		},
		identityCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the worker version",
			Run: func(*cobra.Command, []string) {
				fmt.Printf("%s (%s)\n", Version, GitSHA)
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(*cobra.Command, []string) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Worker %s (%s)", Version, GitSHA)

	cfg := config.MustLoadWorker()
	logging.Setup(cfg.Logging)

	entries, err := cfg.Dispatchers()
	if err != nil {
		return fmt.Errorf("load dispatchers: %w", err)
	}

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

	rt, err := worker.NewRuntime(cfg, entries, Version)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Printf("[metrics] listening on %s", cfg.Metrics.Addr)
			return metrics.Run(gctx, cfg.Metrics.Addr)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	log.Println("[main] worker stopped cleanly")
	time.Sleep(100 * time.Millisecond)
	return nil
}

func identityCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or reset the identities issued by dispatchers",
	}
	cmd.PersistentFlags().StringVar(&home, "home", os.Getenv("WORKER_HOME"), "worker home directory")

	open := func() (*metadata.Store, error) {
		if home == "" {
			home = "./worker-home"
		}
		return metadata.Open(home)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "List the stored identity of every dispatcher",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				urls := store.URLs()
				if len(urls) == 0 {
					fmt.Fprintln(c.OutOrStdout(), "no identities stored")
					return nil
				}
				for _, u := range urls {
					id, err := store.Get(u)
					if err != nil {
						continue
					}
					fmt.Fprintf(c.OutOrStdout(), "%s\tworker=%s\tsession=%s\tupdated=%s\n",
						u, id.WorkerID, id.SessionID, id.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget [dispatcher-url]",
			Short: "Drop the identity of one dispatcher so the next round requests a new one",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				url := strings.TrimRight(args[0], "/")
				if err := store.Forget(url); err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "forgot %s\n", url)
				return nil
			},
		},
	)
	return cmd
}
