package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/inboxsync/pkg/api"
	"github.com/astromechza/inboxsync/pkg/display"
	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
)

// secondaryClient talks to the local secondary API.
func secondaryClient() *api.Client {
	if addrFlag != "" {
		return api.NewClient(addrFlag)
	}
	return api.NewClient(cfg.API.ListenAddr)
}

// primaryClient talks to the primary's control endpoints.
func primaryClient() *api.Client {
	if addrFlag != "" {
		return api.NewClient(addrFlag)
	}
	return api.NewClient(cfg.Link.ListenAddr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusItems bool

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show the secondary's link, cache freshness and action queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := secondaryClient()
		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		var entry *model.CacheEntry
		if statusItems {
			e, err := client.Snapshot(cmd.Context())
			if err != nil && !errors.Is(err, api.ErrNotFound) {
				return err
			} else if err == nil {
				entry = &e
			}
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, struct {
				Status   api.Status        `json:"status"`
				Snapshot *model.CacheEntry `json:"snapshot,omitempty"`
			}{st, entry})
		}
		display.Status(out, st)
		if entry != nil {
			fmt.Fprintln(out)
			display.Snapshot(out, *entry, st.Cache, st.Now)
		}
		return nil
	},
}

var actCmd = &cobra.Command{
	Use:   "act KIND ITEM_ID",
	Short: "Queue an action (archive, flag, unflag, delete, markRead, markUnread)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseActionKind(args[0])
		if err != nil {
			return err
		}
		id, err := secondaryClient().Act(cmd.Context(), kind, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), api.ActionAccepted{RequestID: id})
		}
		display.SuccessMsg(cmd.OutOrStdout(), "queued %s on %s %s", kind, args[1], display.Dim.Render("("+id+")"))
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List actions waiting for the primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := secondaryClient().Queue(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), pending)
		}
		display.Queue(cmd.OutOrStdout(), pending, time.Now())
		return nil
	},
}

var dismissID string

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List failed actions, or dismiss one with --dismiss",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := secondaryClient()
		if dismissID != "" {
			if err := client.Dismiss(cmd.Context(), dismissID); err != nil {
				return err
			}
			display.SuccessMsg(cmd.OutOrStdout(), "dismissed %s", dismissID)
			return nil
		}
		dead, err := client.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), dead)
		}
		display.DeadLetters(cmd.OutOrStdout(), dead, time.Now())
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Ask the primary to push a snapshot now",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := primaryClient().Push(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		display.SuccessMsg(cmd.OutOrStdout(), "pushed snapshot: %d unread, %d urgent, %d items", snap.UnreadCount, snap.UrgentCount, len(snap.Items))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream events from the secondary until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return secondaryClient().Events(cmd.Context(), func(ev syncmgr.Event) error {
			if jsonOutput {
				return json.NewEncoder(out).Encode(ev)
			}
			fmt.Fprintf(out, "%s %s\n", display.Dim.Render(time.Now().Format(time.TimeOnly)), describeEvent(ev))
			return nil
		})
	},
}

func describeEvent(ev syncmgr.Event) string {
	switch ev.Type {
	case syncmgr.EventSnapshot:
		if ev.Entry != nil {
			return fmt.Sprintf("snapshot: %d unread, %d urgent", ev.Entry.Snapshot.UnreadCount, ev.Entry.Snapshot.UrgentCount)
		}
	case syncmgr.EventDelivered:
		if ev.Outcome != nil {
			return display.Success.Render("delivered") + " " + ev.Outcome.RequestID
		}
	case syncmgr.EventDeadLetter:
		if ev.DeadLetter != nil {
			cmd := ev.DeadLetter.Action.Command
			return display.ErrStyle.Render("failed") + fmt.Sprintf(" %s %s: %s", cmd.Kind, cmd.ItemID, ev.DeadLetter.Reason)
		}
	case syncmgr.EventReachability:
		if ev.Reachable != nil && *ev.Reachable {
			return "primary reachable"
		}
		return "primary unreachable"
	}
	return string(ev.Type)
}

func init() {
	statusCmd.Flags().BoolVar(&statusItems, "items", false, "Also list the cached items")
	deadLettersCmd.Flags().StringVar(&dismissID, "dismiss", "", "Dismiss the failed action with this request id")
	rootCmd.AddCommand(statusCmd, actCmd, queueCmd, deadLettersCmd, pushCmd, watchCmd)
}
