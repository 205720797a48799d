// Package api is the management surface the client UI talks to: read-only
// queue snapshots, the process and clear commands, connectivity for
// display, and the immediate-activation signal.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relicapp/relicd/internal/connectivity"
	"github.com/relicapp/relicd/internal/lifecycle"
	"github.com/relicapp/relicd/internal/replay"
	"github.com/relicapp/relicd/internal/storage"
)

const maxEnqueueBodySize = 1 << 20 // 1MB

type Deps struct {
	Store     *storage.Store
	Processor *replay.Processor
	Monitor   *connectivity.Monitor
	Lifecycle *lifecycle.Controller
	Token     string
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Post("/queue", handleEnqueue(deps))
		r.Post("/queue/process", handleProcess(deps))
		r.Delete("/queue", handleClear(deps))
		r.Post("/activate", handleActivate(deps))
	})

	return r
}

type statusResponse struct {
	Connectivity connectivity.Snapshot `json:"connectivity"`
	Lifecycle    string                `json:"lifecycle"`
	CacheVersion string                `json:"cache_version"`
	Partitions   []partitionView       `json:"partitions"`
	QueueLength  int                   `json:"queue_length"`
	Processing   bool                  `json:"processing"`
}

type partitionView struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	BodyBytes int64  `json:"body_bytes"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.CachePartitionStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading partition stats: %v", err)
			return
		}
		queueLen, err := deps.Store.QueueLength()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading queue length: %v", err)
			return
		}

		partitions := make([]partitionView, 0, len(stats))
		for _, s := range stats {
			partitions = append(partitions, partitionView{Name: s.Name, Entries: s.Entries, BodyBytes: s.BodyBytes})
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Connectivity: deps.Monitor.Snapshot(),
			Lifecycle:    deps.Lifecycle.State().String(),
			CacheVersion: deps.Lifecycle.ServingVersion(),
			Partitions:   partitions,
			QueueLength:  queueLen,
			Processing:   deps.Processor.Processing(),
		})
	}
}

type operationView struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops, err := deps.Store.ListOperations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing queue: %v", err)
			return
		}

		views := make([]operationView, 0, len(ops))
		for _, op := range ops {
			views = append(views, operationView{
				ID:         op.ID,
				Type:       op.Type,
				Payload:    json.RawMessage(op.PayloadJSON),
				RetryCount: op.RetryCount,
				CreatedAt:  op.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBodySize)
		defer r.Body.Close()

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !storage.KnownOperationType(req.Type) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown operation type %q", req.Type)
			return
		}

		payload := "{}"
		if len(req.Payload) > 0 {
			payload = string(req.Payload)
		}

		id, err := deps.Store.EnqueueOperation(req.Type, payload)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueuing operation: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Processor.Drain(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "draining queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearOperations(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing queue: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleActivate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Lifecycle.ActivateNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"state": deps.Lifecycle.State().String()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    kind,
			"message": msg,
		},
	})
}
