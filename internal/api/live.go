package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// GET /api/live
// Response: every live notifier, with its query, watched tables and the
// error that stopped it, if any.
func (d Deps) handleLiveQueries(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Coordinator.SnapshotView()); err != nil {
		LoggerFrom(r.Context()).Debug("encode live view", zap.Error(err))
	}
}
