// Package display formats inboxsync state for the terminal.
package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/astromechza/inboxsync/pkg/api"
	"github.com/astromechza/inboxsync/pkg/bulk"
	"github.com/astromechza/inboxsync/pkg/cache"
	"github.com/astromechza/inboxsync/pkg/model"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	HighStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	MediumStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	LowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// PriorityDot returns a colored dot for a tier.
func PriorityDot(tier model.PriorityTier) string {
	switch tier {
	case model.PriorityHigh:
		return HighStyle.Render("●")
	case model.PriorityMedium:
		return MediumStyle.Render("○")
	case model.PriorityLow:
		return LowStyle.Render("○")
	default:
		return Dim.Render("·")
	}
}

// Ago formats an elapsed duration. Negative durations read as "just now".
func Ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Freshness is the label a UI shows next to cached data, e.g.
// "last updated 2h ago". Stale data is called out.
func Freshness(status cache.Status, receivedAt, now time.Time) string {
	if status == cache.StatusMissing || receivedAt.IsZero() {
		return Dim.Render("no data yet")
	}
	label := "last updated " + Ago(now.Sub(receivedAt))
	if status == cache.StatusStale {
		return Warn.Render(label + " (stale)")
	}
	return Dim.Render(label)
}

// Truncate shortens s to maxLen runes, adding an ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func SuccessMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

func ErrorMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

func Header(w io.Writer, title string) {
	fmt.Fprintln(w, Bold.Render(title))
}

// Status prints the secondary's overview.
func Status(w io.Writer, st api.Status) {
	Header(w, "Inbox Sync Status")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "  Link")
	if st.Reachable {
		fmt.Fprintf(w, "    %s %s\n", Success.Render("connected"), Dim.Render("since "+Ago(st.Now.Sub(st.ReachableSince))))
	} else {
		fmt.Fprintf(w, "    %s\n", ErrStyle.Render("primary unreachable"))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "  Inbox")
	if st.Cache != cache.StatusMissing {
		fmt.Fprintf(w, "    Unread:  %3d\n", st.UnreadCount)
		fmt.Fprintf(w, "    Urgent:  %3d\n", st.UrgentCount)
	}
	fmt.Fprintf(w, "    %s\n", Freshness(st.Cache, st.ReceivedAt, st.Now))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "  Actions")
	fmt.Fprintf(w, "    Pending:      %3d\n", st.PendingActions)
	if st.DeadLetters > 0 {
		fmt.Fprintf(w, "    Failed:       %s\n", ErrStyle.Render(fmt.Sprintf("%3d", st.DeadLetters)))
	} else {
		fmt.Fprintf(w, "    Failed:         0\n")
	}
}

// Snapshot prints the cached item list.
func Snapshot(w io.Writer, entry model.CacheEntry, status cache.Status, now time.Time) {
	snap := entry.Snapshot
	Header(w, fmt.Sprintf("Inbox (%d unread, %d urgent)", snap.UnreadCount, snap.UrgentCount))
	fmt.Fprintf(w, "  %s\n\n", Freshness(status, entry.ReceivedAt, now))
	if len(snap.Items) == 0 {
		fmt.Fprintf(w, "  %s\n", Dim.Render("nothing to show"))
		return
	}
	for _, it := range snap.Items {
		title := Truncate(it.Title, 48)
		if it.IsUnread {
			title = Bold.Render(title)
		}
		urgent := " "
		if it.IsUrgent {
			urgent = ErrStyle.Render("!")
		}
		fmt.Fprintf(w, "  %s%s %s  %-3s %-20s %s  %s\n",
			PriorityDot(it.PriorityTier), urgent,
			Dim.Render(fmt.Sprintf("%-9s", it.ID)),
			it.SenderInitial, Truncate(it.SenderDisplayName, 20),
			title, Dim.Render(it.RelativeAge+" · "+it.PrimaryActionLabel))
	}
}

// Queue prints actions waiting for the primary.
func Queue(w io.Writer, pending []model.QueuedAction, now time.Time) {
	Header(w, fmt.Sprintf("Pending actions (%d)", len(pending)))
	for _, qa := range pending {
		line := fmt.Sprintf("  %-10s %-10s %s  queued %s",
			qa.Command.Kind, qa.Command.ItemID, Dim.Render(qa.Command.RequestID), Ago(now.Sub(qa.EnqueuedAt)))
		if qa.AttemptCount > 0 {
			line += Warn.Render(fmt.Sprintf("  attempts=%d", qa.AttemptCount))
		}
		if qa.LastError != "" {
			line += Dim.Render("  " + Truncate(qa.LastError, 40))
		}
		fmt.Fprintln(w, line)
	}
}

// DeadLetters prints actions that could not be completed.
func DeadLetters(w io.Writer, dead []model.DeadLetter, now time.Time) {
	Header(w, fmt.Sprintf("Failed actions (%d)", len(dead)))
	for _, dl := range dead {
		cmd := dl.Action.Command
		fmt.Fprintf(w, "  %s %-10s %-10s %s  %s\n",
			ErrStyle.Render("✗"), cmd.Kind, cmd.ItemID, dl.Reason, Dim.Render(cmd.RequestID+" · "+Ago(now.Sub(dl.FailedAt))))
	}
}

// History prints the revisions of a backfill document, oldest first.
func History(w io.Writer, revs []bulk.Revision) {
	Header(w, fmt.Sprintf("Backfill history (%d changes)", len(revs)))
	for _, rev := range revs {
		deps := make([]string, 0, len(rev.Dependencies))
		for _, d := range rev.Dependencies {
			deps = append(deps, short(d))
		}
		fmt.Fprintf(w, "  %s %s@%d  unread=%d items=%d  %s %s\n",
			Bold.Render(short(rev.Hash)), short(rev.Actor), rev.Seq,
			rev.UnreadCount, rev.Items, rev.Time.Format(time.RFC3339),
			Dim.Render(strings.Join(deps, ",")))
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
