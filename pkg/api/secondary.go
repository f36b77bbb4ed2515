package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/queue"
	"github.com/astromechza/inboxsync/pkg/reach"
	"github.com/astromechza/inboxsync/pkg/syncmgr"
)

type secondaryAPI struct {
	node     *syncmgr.Secondary
	monitor  *reach.Monitor
	clock    clockwork.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewSecondaryRouter(node *syncmgr.Secondary, monitor *reach.Monitor, clock clockwork.Clock, log *slog.Logger) *mux.Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	a := &secondaryAPI{
		node:    node,
		monitor: monitor,
		clock:   clock,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.Use(accessLog(log))
	r.Methods(http.MethodGet).Path("/v1/status").HandlerFunc(a.getStatus)
	r.Methods(http.MethodGet).Path("/v1/snapshot").HandlerFunc(a.getSnapshot)
	r.Methods(http.MethodPost).Path("/v1/actions").HandlerFunc(a.postAction)
	r.Methods(http.MethodGet).Path("/v1/queue").HandlerFunc(a.getQueue)
	r.Methods(http.MethodGet).Path("/v1/deadletters").HandlerFunc(a.getDeadLetters)
	r.Methods(http.MethodDelete).Path("/v1/deadletters/{requestId}").HandlerFunc(a.dismiss)
	r.Methods(http.MethodGet).Path("/v1/events").HandlerFunc(a.events)
	return r
}

func (a *secondaryAPI) getStatus(writer http.ResponseWriter, _ *http.Request) {
	st := Status{
		Cache:          a.node.CacheStatus(),
		PendingActions: a.node.PendingQueueDepth(),
		DeadLetters:    len(a.node.DeadLetters()),
		Now:            a.clock.Now(),
	}
	if a.monitor != nil {
		rs := a.monitor.Status()
		st.Reachable, st.ReachableSince = rs.Reachable, rs.Since
	}
	if entry, ok := a.node.CurrentSnapshot(); ok {
		st.ReceivedAt = entry.ReceivedAt
		st.UnreadCount = entry.Snapshot.UnreadCount
		st.UrgentCount = entry.Snapshot.UrgentCount
	}
	writeJSON(a.log, writer, http.StatusOK, st)
}

func (a *secondaryAPI) getSnapshot(writer http.ResponseWriter, _ *http.Request) {
	entry, ok := a.node.CurrentSnapshot()
	if !ok {
		writeError(a.log, writer, http.StatusNotFound, "no data yet")
		return
	}
	writeJSON(a.log, writer, http.StatusOK, entry)
}

func (a *secondaryAPI) postAction(writer http.ResponseWriter, request *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		writeError(a.log, writer, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	kind, err := model.ParseActionKind(req.Kind)
	if err != nil {
		writeError(a.log, writer, http.StatusBadRequest, err.Error())
		return
	}
	if req.ItemID == "" {
		writeError(a.log, writer, http.StatusBadRequest, "itemId is required")
		return
	}
	id, err := a.node.SubmitAction(request.Context(), kind, req.ItemID)
	if err != nil {
		a.log.Error("failed to submit action", "err", err)
		writeError(a.log, writer, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(a.log, writer, http.StatusAccepted, ActionAccepted{RequestID: id})
}

func (a *secondaryAPI) getQueue(writer http.ResponseWriter, _ *http.Request) {
	pending := a.node.Pending()
	if pending == nil {
		pending = []model.QueuedAction{}
	}
	writeJSON(a.log, writer, http.StatusOK, pending)
}

func (a *secondaryAPI) getDeadLetters(writer http.ResponseWriter, _ *http.Request) {
	dead := a.node.DeadLetters()
	if dead == nil {
		dead = []model.DeadLetter{}
	}
	writeJSON(a.log, writer, http.StatusOK, dead)
}

func (a *secondaryAPI) dismiss(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["requestId"]
	if err := a.node.Dismiss(request.Context(), id); errors.Is(err, queue.ErrNotFound) {
		writeError(a.log, writer, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeError(a.log, writer, http.StatusInternalServerError, err.Error())
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// events streams syncmgr events as JSON text messages until either side goes
// away.
func (a *secondaryAPI) events(writer http.ResponseWriter, request *http.Request) {
	conn, err := a.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		a.log.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := a.node.Subscribe(16)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				a.log.Debug("event stream closed", "err", err)
				return
			}
		case <-gone:
			return
		case <-request.Context().Done():
			return
		}
	}
}
