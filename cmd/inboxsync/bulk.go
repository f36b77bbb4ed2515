package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/display"
	"github.com/astromechza/inboxsync/pkg/viz"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Inspect backfill documents",
}

var bulkInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the history and latest snapshot of a saved backfill document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readDoc(args[0])
		if err != nil {
			return err
		}
		history, err := doc.History()
		if err != nil {
			return err
		}
		snap, err := doc.Snapshot()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"history": history, "snapshot": snap})
		}
		display.History(out, history)
		fmt.Fprintf(out, "\nlatest: %d unread, %d urgent, %d items, generated %s\n",
			snap.UnreadCount, snap.UrgentCount, len(snap.Items), snap.GeneratedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var (
	graphFile string
	graphOut  string
)

var bulkGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render backfill history as a graph (from --file or the running primary)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc *bulk.Doc
		var err error
		if graphFile != "" {
			doc, err = readDoc(graphFile)
		} else {
			var raw []byte
			if raw, err = primaryClient().Bulk(cmd.Context()); err == nil {
				doc, err = bulk.Load(raw)
			}
		}
		if err != nil {
			return err
		}

		path := graphOut
		if path == "" {
			if path, err = viz.RenderToTemp(doc); err != nil {
				return err
			}
		} else if err := viz.RenderHistoryToFile(doc, path); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+path)
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func readDoc(path string) (*bulk.Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := bulk.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func init() {
	bulkGraphCmd.Flags().StringVar(&graphFile, "file", "", "Saved backfill document to render")
	bulkGraphCmd.Flags().StringVarP(&graphOut, "out", "o", "", "Output path; the extension picks svg, png, jpg or dot")
	bulkCmd.AddCommand(bulkInspectCmd, bulkGraphCmd)
	rootCmd.AddCommand(bulkCmd)
}
