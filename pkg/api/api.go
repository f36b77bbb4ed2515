// Package api is the local HTTP surface of both nodes: the primary's link and
// control endpoints, and the secondary's bridge for a UI or the CLI.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/inboxsync/pkg/cache"
)

// Status is the secondary's overview.
type Status struct {
	Reachable      bool         `json:"reachable"`
	ReachableSince time.Time    `json:"reachableSince,omitzero"`
	Cache          cache.Status `json:"cache"`
	ReceivedAt     time.Time    `json:"receivedAt,omitzero"`
	UnreadCount    int          `json:"unreadCount"`
	UrgentCount    int          `json:"urgentCount"`
	PendingActions int          `json:"pendingActions"`
	DeadLetters    int          `json:"deadLetters"`
	Now            time.Time    `json:"now"`
}

type ActionRequest struct {
	Kind   string `json:"kind"`
	ItemID string `json:"itemId"`
}

type ActionAccepted struct {
	RequestID string `json:"requestId"`
}

type errorBody struct {
	Error string `json:"error"`
}

// accessLog logs every request once it has been handled.
func accessLog(log *slog.Logger) mux.MiddlewareFunc {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	}
}

func writeJSON(log *slog.Logger, writer http.ResponseWriter, code int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		log.Error("failed to write out", "err", err)
	}
}

func writeError(log *slog.Logger, writer http.ResponseWriter, code int, msg string) {
	writeJSON(log, writer, code, errorBody{Error: msg})
}
