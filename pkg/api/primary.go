package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/astromechza/inboxsync/pkg/syncmgr"
)

type primaryAPI struct {
	node *syncmgr.Primary
	log  *slog.Logger
}

// NewPrimaryRouter mounts link, which upgrades to the secondary's WebSocket
// session, next to the primary's control endpoints.
func NewPrimaryRouter(node *syncmgr.Primary, link http.Handler, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	a := &primaryAPI{node: node, log: log}

	r := mux.NewRouter()
	r.Use(accessLog(log))
	r.Methods(http.MethodGet).Path("/v1/link").Handler(link)
	r.Methods(http.MethodGet).Path("/v1/snapshot").HandlerFunc(a.getSnapshot)
	r.Methods(http.MethodPost).Path("/v1/push").HandlerFunc(a.push)
	r.Methods(http.MethodGet).Path("/v1/bulk").HandlerFunc(a.getBulk)
	return r
}

func (a *primaryAPI) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	snap, err := a.node.Snapshot(request.Context())
	if err != nil {
		a.log.Error("failed to build snapshot", "err", err)
		writeError(a.log, writer, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(a.log, writer, http.StatusOK, snap)
}

func (a *primaryAPI) push(writer http.ResponseWriter, request *http.Request) {
	snap, err := a.node.ForcePush(request.Context())
	if err != nil {
		writeError(a.log, writer, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(a.log, writer, http.StatusOK, snap)
}

// getBulk returns the saved backfill document.
func (a *primaryAPI) getBulk(writer http.ResponseWriter, _ *http.Request) {
	doc := a.node.BulkDoc()
	if doc == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(doc.Save()); err != nil {
		a.log.Error("failed to write out", "err", err)
	}
}
