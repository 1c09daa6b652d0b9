package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/arkilian/rowcache/internal/cache"
	rcerrors "github.com/arkilian/rowcache/internal/errors"
	"github.com/arkilian/rowcache/internal/observability"
	"github.com/arkilian/rowcache/internal/rules"
	"github.com/arkilian/rowcache/pkg/types"
)

// DefaultPageSize is used when a row listing has no limit parameter.
const DefaultPageSize = 100

// EntityInfo describes a registered entity.
type EntityInfo struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Mode       string `json:"mode"`
	PrimaryKey string `json:"primary_key"`
	Booted     bool   `json:"booted"`
	Action     string `json:"action,omitempty"`
	Database   string `json:"database,omitempty"`
	Rows       int    `json:"rows_materialized,omitempty"`
}

// RowsResponse is a page of rows.
type RowsResponse struct {
	Entity    string      `json:"entity"`
	Rows      []types.Row `json:"rows"`
	Limit     int         `json:"limit"`
	Offset    int         `json:"offset"`
	RequestID string      `json:"request_id"`
}

// QueryRequest is a read-only SQL statement run against an entity's connection.
type QueryRequest struct {
	Entity string        `json:"entity"`
	SQL    string        `json:"sql"`
	Args   []interface{} `json:"args"`
}

// QueryResponse carries the result rows of a QueryRequest.
type QueryResponse struct {
	Rows      []types.Row `json:"rows"`
	RequestID string      `json:"request_id"`
}

// ExistsRequest checks a value against an entity table.
type ExistsRequest struct {
	Ref    string      `json:"ref"`
	Column string      `json:"column"`
	Value  interface{} `json:"value"`
}

// Handler serves the entity API.
type Handler struct {
	manager *cache.Manager
	stats   *observability.CacheStats
}

// NewHandler creates a handler over manager. stats may be nil.
func NewHandler(manager *cache.Manager, stats *observability.CacheStats) *Handler {
	return &Handler{manager: manager, stats: stats}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux, middleware func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /v1/entities":                      h.listEntities,
		"GET /v1/entities/{name}/count":         h.count,
		"GET /v1/entities/{name}/rows":          h.listRows,
		"GET /v1/entities/{name}/rows/{key}":    h.findRow,
		"POST /v1/entities/{name}/rows":         h.createRow,
		"PUT /v1/entities/{name}/rows/{key}":    h.updateRow,
		"DELETE /v1/entities/{name}/rows/{key}": h.deleteRow,
		"POST /v1/query":                        h.query,
		"POST /v1/rules/exists":                 h.exists,
		"GET /v1/stats":                         h.statsSnapshot,
		"POST /v1/reset":                        h.reset,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, middleware(fn))
	}
}

func (h *Handler) entity(w http.ResponseWriter, r *http.Request) (*types.Entity, bool) {
	name := r.PathValue("name")
	e, ok := h.manager.Entity(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown entity %q", name), "", GetRequestID(r.Context()))
		return nil, false
	}
	return e, true
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	entities := h.manager.Entities()
	out := make([]EntityInfo, 0, len(entities))
	for _, e := range entities {
		info := EntityInfo{
			Name:       e.Name,
			Table:      e.TableName(),
			Mode:       e.Mode.String(),
			PrimaryKey: e.KeyName(),
		}
		if boot, ok := h.manager.Boot(e.Name); ok {
			info.Booted = true
			info.Action = boot.Action.String()
			info.Database = boot.Database
			info.Rows = boot.Rows
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	n, err := h.manager.Count(r.Context(), e)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entity": e.Name, "count": n})
}

func (h *Handler) listRows(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	e, ok := h.entity(w, r)
	if !ok {
		return
	}

	limit, err := intParam(r, "limit", DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
		return
	}

	rows, err := h.manager.Rows(r.Context(), e, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []types.Row{}
	}
	writeJSON(w, http.StatusOK, RowsResponse{Entity: e.Name, Rows: rows, Limit: limit, Offset: offset, RequestID: requestID})
}

func (h *Handler) findRow(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	row, found, err := h.manager.Find(r.Context(), e, r.PathValue("key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "record not found", "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handler) createRow(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	var record types.Row
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", GetRequestID(r.Context()))
		return
	}
	key, err := h.manager.Create(r.Context(), e, record)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"key": key})
}

func (h *Handler) updateRow(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	var changes types.Row
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", GetRequestID(r.Context()))
		return
	}
	changed, err := h.manager.Update(r.Context(), e, r.PathValue("key"), changes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "record not found", "", GetRequestID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRow(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	deleted, err := h.manager.Delete(r.Context(), e, r.PathValue("key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "record not found", "", GetRequestID(r.Context()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required", "", requestID)
		return
	}
	if !IsReadOnly(req.SQL) {
		writeError(w, http.StatusBadRequest, "only SELECT statements are supported", "", requestID)
		return
	}
	e, ok := h.manager.Entity(req.Entity)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown entity %q", req.Entity), "", requestID)
		return
	}

	rows, err := h.manager.Select(r.Context(), e, req.SQL, req.Args...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []types.Row{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Rows: rows, RequestID: requestID})
}

func (h *Handler) exists(w http.ResponseWriter, r *http.Request) {
	var req ExistsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", GetRequestID(r.Context()))
		return
	}
	ok, err := rules.Exists(r.Context(), h.manager, req.Ref, req.Column, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (h *Handler) statsSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, []observability.EntityStats{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Reset(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps an error to a response status by its category.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetRequestID(r.Context())
	status := http.StatusInternalServerError

	var cerr *rcerrors.CacheError
	if errors.As(err, &cerr) {
		switch cerr.Category {
		case rcerrors.ErrCategoryRemote:
			status = http.StatusBadGateway
		case rcerrors.ErrCategorySchema:
			status = http.StatusUnprocessableEntity
		case rcerrors.ErrCategoryConfig:
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error(), cerr.Code, requestID)
		return
	}
	writeError(w, status, err.Error(), "", requestID)
}

// IsReadOnly reports whether stmt is a single SELECT (or WITH ... SELECT) statement.
func IsReadOnly(stmt string) bool {
	s := strings.TrimSpace(stmt)
	s = strings.TrimSuffix(s, ";")
	if strings.Contains(s, ";") {
		return false
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select":
		return true
	case "with":
		for _, f := range fields[1:] {
			switch strings.ToLower(f) {
			case "insert", "update", "delete", "replace":
				return false
			}
		}
		return true
	}
	return false
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
