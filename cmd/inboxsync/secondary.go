package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/inboxsync/pkg/api"
	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/queue"
	"github.com/astromechza/inboxsync/pkg/reach"
	"github.com/astromechza/inboxsync/pkg/retry"
	"github.com/astromechza/inboxsync/pkg/store"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
	"github.com/astromechza/inboxsync/pkg/transport"
)

var secondaryCmd = &cobra.Command{
	Use:   "secondary",
	Short: "Run the wearable side: caches snapshots and queues actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := slog.Default()

		schedule := retry.Schedule{
			Base:        cfg.Retry.Base,
			Cap:         cfg.Retry.Cap,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.Jitter,
		}
		if err := schedule.Validate(); err != nil {
			return fmt.Errorf("retry schedule: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataPath, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Info("Opening database")
		kv, err := store.OpenSQLite(filepath.Join(cfg.Node.DataPath, "secondary.sqlite3"))
		if err != nil {
			return err
		}
		defer kv.Close()

		c := cache.New(kv, nil, cfg.Sync.StalenessWindow, log)
		if err := c.Load(ctx); err != nil {
			return err
		}
		q := queue.New(kv, nil, log)
		if err := q.Load(ctx); err != nil {
			return err
		}

		node := syncmgr.NewSecondary(c, q, nil, syncmgr.SecondaryConfig{Logger: log})
		link := transport.NewWSClient(cfg.Link.PeerURL, cfg.Link.ReconnectInterval, transport.Options{
			RequestTimeout: cfg.Link.RequestTimeout,
			PingInterval:   cfg.Link.PingInterval,
			Logger:         log.With("link", "client"),
		})
		defer link.Close()
		engine := retry.NewEngine(q, link, node, retry.Config{Schedule: schedule, Logger: log})
		node.SetKicker(engine)
		link.Attach(node)
		monitor := reach.New(link, engine, c, node.Broker(), nil, log)

		httpServer := &http.Server{Addr: cfg.API.ListenAddr, Handler: api.NewSecondaryRouter(node, monitor, nil, log)}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return link.Run(gctx) })
		g.Go(func() error { return engine.Run(gctx) })
		g.Go(func() error { return monitor.Run(gctx) })
		g.Go(func() error { return serve(gctx, httpServer) })
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(secondaryCmd)
}
