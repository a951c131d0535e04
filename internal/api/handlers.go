package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/common"
	"github.com/zoravur/livequery/internal/protocol"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/sqlquery"
)

type QueryResponse struct {
	Version uint64                 `json:"version"`
	Table   string                 `json:"table"`
	Query   string                 `json:"query"`
	Rows    []protocol.EditableRow `json:"rows"`
}

type EditRequest struct {
	EditHandle string `json:"editHandle"`
	Column     string `json:"column"`
	Value      any    `json:"value"`
}

type EditResponse struct {
	Version uint64 `json:"version"`
}

// statusFor maps an error onto the HTTP status reported to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sqlquery.ErrSyntax),
		errors.Is(err, sqlquery.ErrUnsupported),
		errors.Is(err, store.ErrTableNotFound),
		errors.Is(err, store.ErrColumnNotFound),
		errors.Is(err, store.ErrTypeMismatch),
		errors.Is(err, common.ErrMalformedHandle):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRowNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context()).Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// POST /api/query
// Body: raw SQL string
// Response: QueryResponse evaluated at the newest version
func (d Deps) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	q, err := sqlquery.Parse(string(body))
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap := d.Store.Snapshot()
	tv, err := q.Run(snap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := protocol.SerializeRows(tv, snap, q.Columns)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(QueryResponse{
		Version: uint64(snap.Version()),
		Table:   q.Table,
		Query:   q.String(),
		Rows:    rows,
	})
}

// POST /api/edit
// Body: EditRequest
// Response: EditResponse with the committed version
func (d Deps) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	table, key, err := common.DecodeHandle(req.EditHandle)
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := d.Store.Write(func(tx *store.WriteTx) error {
		return tx.Set(table, key, req.Column, req.Value)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(EditResponse{Version: uint64(v)})
}
