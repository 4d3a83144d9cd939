package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-dispatch/internal/config"
	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
	"github.com/withObsrvr/obsrvr-dispatch/internal/metadata"
)

// Runtime is a fully wired worker.
type Runtime struct {
	Links      *Links
	Assets     *Assets
	Uploads    *Uploads
	Executor   *Executor
	Requestors []*Requestor

	ids      *metadata.Store
	codec    *exchange.Codec
	interval time.Duration
	actorInt time.Duration
}

// NewRuntime opens the worker home and wires one requestor per dispatcher.
func NewRuntime(cfg config.WorkerConfig, entries []config.DispatcherEntry, version string) (*Runtime, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no enabled dispatchers")
	}

	// Functions run inside their task directory, so every path handed to
	// them must be absolute.
	home, err := filepath.Abs(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve worker home: %w", err)
	}

	ids, err := metadata.Open(home)
	if err != nil {
		return nil, err
	}

	links := make([]*Link, 0, len(entries))
	for _, e := range entries {
		link, err := OpenLink(home, e, ids)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	codec, err := exchange.NewCodec()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Links:    NewLinks(links...),
		ids:      ids,
		codec:    codec,
		interval: positive(cfg.ExchangeInterval, 10*time.Second),
		actorInt: positive(cfg.ActorInterval, 5*time.Second),
	}
	rt.Assets = NewAssets(rt.Links, nil, nil)
	rt.Uploads = NewUploads(rt.Links, nil)
	rt.Executor = NewExecutor(rt.Links, cfg.ExecTimeout)
	for _, link := range links {
		rt.Requestors = append(rt.Requestors, NewRequestor(link, ids, codec, nil, rt.Assets, rt.Uploads,
			RequestorConfig{MissingEvery: cfg.MissingEvery, Version: version}))
	}

	rt.Resume()
	return rt, nil
}

// Identities returns the worker's identity store.
func (rt *Runtime) Identities() *metadata.Store {
	return rt.ids
}

// Resume re-enqueues the work recorded in the task books, so a restart picks
// up where the previous process stopped.
func (rt *Runtime) Resume() {
	for _, link := range rt.Links.All() {
		for _, t := range link.Book.List() {
			switch {
			case !t.Completed:
				rt.Assets.Schedule(link, t)
			case t.NeedsUpload():
				rt.Uploads.Schedule(link, t.TaskID)
			}
		}
	}
}

// Run drives every loop until ctx is cancelled or one of them fails.
func (rt *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, r := range rt.Requestors {
		r := r
		g.Go(func() error { return r.Run(ctx, rt.interval) })
	}
	g.Go(func() error { return rt.Assets.Data.Run(ctx, rt.actorInt) })
	g.Go(func() error { return rt.Assets.Function.Run(ctx, rt.actorInt) })
	g.Go(func() error { return rt.Uploads.Actor.Run(ctx, rt.actorInt) })
	g.Go(func() error { return rt.Executor.Run(ctx, rt.actorInt) })

	log.Printf("[worker] running with %d dispatcher(s)", len(rt.Requestors))
	return g.Wait()
}

// Close releases the shared codec.
func (rt *Runtime) Close() error {
	rt.codec.Close()
	return nil
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
