package fieldsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// RegisterHTTPHandlers mounts the engine's observability and control
// endpoints on mux. Field apps expose these on a localhost listener for
// diagnostics screens and support tooling; nothing here mutates remote
// state beyond what the engine already does.
func (c *Coordinator) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, err := c.Status(r.Context())
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/api/v1/sync/now", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSONStatus(w, http.StatusOK, c.SyncNow(r.Context()))
	})

	mux.HandleFunc("/api/v1/sync/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		actions, err := c.Pending(r.Context(), queryLimit(r))
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"actions": actions, "count": len(actions)})
	})

	mux.HandleFunc("/api/v1/sync/failures", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		actions, err := c.Failures(r.Context(), queryLimit(r))
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"actions": actions, "count": len(actions)})
	})

	mux.HandleFunc("/api/v1/sync/conflicts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
			conflicts, err := c.Conflicts(r.Context(), unresolvedOnly)
			if err != nil {
				writeError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{"conflicts": conflicts, "count": len(conflicts)})

		case http.MethodPost:
			var req struct {
				ConflictID string `json:"conflict_id"`
				Resolution string `json:"resolution"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if req.ConflictID == "" {
				writeError(w, "conflict_id is required", http.StatusBadRequest)
				return
			}
			resolution := Resolution(req.Resolution)
			switch resolution {
			case ResolutionLocalWins, ResolutionRemoteWins, ResolutionMerge:
			default:
				writeError(w, "resolution must be local-wins, remote-wins, or merge", http.StatusBadRequest)
				return
			}
			if err := c.ResolveConflict(r.Context(), req.ConflictID, resolution); err != nil {
				if errors.Is(err, ErrNotFound) {
					writeError(w, err.Error(), http.StatusNotFound)
					return
				}
				writeError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSONStatus(w, http.StatusOK, map[string]string{"status": "resolved", "conflict_id": req.ConflictID})

		default:
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/sync/stream", c.hub.WebSocketHandler())

	mux.HandleFunc("/api/v1/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats, err := c.cache.Stats(r.Context())
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("/api/v1/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		category := r.URL.Query().Get("category")
		if category == "" {
			writeError(w, "category is required", http.StatusBadRequest)
			return
		}
		cleared, err := c.cache.ClearCategory(r.Context(), category)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSONStatus(w, http.StatusOK, map[string]any{"category": category, "cleared": cleared})
	})
}

// queryLimit parses the limit query parameter, defaulting to 50.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}
