package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/inboxsync/pkg/api"
	"github.com/astromechza/inboxsync/pkg/inbox"
	"github.com/astromechza/inboxsync/pkg/store"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
	"github.com/astromechza/inboxsync/pkg/transport"
	"github.com/astromechza/inboxsync/pkg/viz"
)

var dumpHistory bool

var primaryCmd = &cobra.Command{
	Use:   "primary",
	Short: "Run the phone side: owns the inbox and pushes snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := slog.Default()

		if err := os.MkdirAll(cfg.Node.DataPath, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Info("Opening database")
		kv, err := store.OpenSQLite(filepath.Join(cfg.Node.DataPath, "primary.sqlite3"))
		if err != nil {
			return err
		}
		defer kv.Close()

		items := inbox.DemoItems(time.Now())
		if cfg.Node.SeedPath != "" {
			if items, err = inbox.LoadSeed(cfg.Node.SeedPath); err != nil {
				return err
			}
		}
		mail := inbox.NewMemory(items)

		link := transport.NewWSServer(transport.Options{
			RequestTimeout: cfg.Link.RequestTimeout,
			PingInterval:   cfg.Link.PingInterval,
			Logger:         log.With("link", "server"),
		})
		defer link.Close()
		node := syncmgr.NewPrimary(mail, mail, link, kv, syncmgr.PrimaryConfig{
			PushInterval:   cfg.Sync.PushInterval,
			CoalesceWindow: cfg.Sync.CoalesceWindow,
			MaxItems:       cfg.Sync.MaxItems,
			LedgerTTL:      cfg.Sync.LedgerTTL,
			Logger:         log,
		})
		link.Attach(node)
		if err := node.Load(ctx); err != nil {
			return err
		}

		httpServer := &http.Server{Addr: cfg.Link.ListenAddr, Handler: api.NewPrimaryRouter(node, link, log)}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return node.Run(gctx) })
		g.Go(func() error { return serve(gctx, httpServer) })
		err = g.Wait()

		if dumpHistory {
			if svgPath, err := viz.RenderToTemp(node.BulkDoc()); err != nil {
				log.Error("failed to render", "err", err)
			} else {
				log.Info("rendered", "path", "file://"+svgPath)
			}
		}
		return err
	},
}

func init() {
	primaryCmd.Flags().BoolVar(&dumpHistory, "dump-history", false, "Render the backfill history to a temp SVG on exit")
	rootCmd.AddCommand(primaryCmd)
}
