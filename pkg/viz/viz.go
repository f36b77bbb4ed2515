// Package viz renders the primary's backfill history as a graph, one node per
// committed backfill.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/inboxsync/pkg/bulk"
)

// FormatFor picks the output format from a file extension. Unknown
// extensions render SVG.
func FormatFor(path string) graphviz.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return graphviz.PNG
	case ".jpg", ".jpeg":
		return graphviz.JPG
	case ".dot", ".gv":
		return graphviz.XDOT
	default:
		return graphviz.SVG
	}
}

// Label is the node text for one revision.
func Label(rev bulk.Revision) string {
	return fmt.Sprintf("%s %s@%d unread=%d items=%d", shortHash(rev.Hash), shortHash(rev.Actor), rev.Seq, rev.UnreadCount, rev.Items)
}

// RenderHistory writes the history of doc to w.
func RenderHistory(doc *bulk.Doc, format graphviz.Format, w io.Writer) error {
	history, err := doc.History()
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(history))
	edges := 0
	for _, rev := range history {
		n, err := graph.CreateNode(rev.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(rev))
		nodes[rev.Hash] = n

		for _, dep := range rev.Dependencies {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderHistoryToFile renders to path in the format its extension implies.
func RenderHistoryToFile(doc *bulk.Doc, path string) error {
	var buff bytes.Buffer
	if err := RenderHistory(doc, FormatFor(path), &buff); err != nil {
		return err
	}
	if err := os.WriteFile(path, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RenderToTemp renders an SVG into the temp dir and returns its path.
func RenderToTemp(doc *bulk.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("inboxsync-backfill-%d.svg", time.Now().UnixNano()))
	if err := RenderHistoryToFile(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}

func shortHash(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
