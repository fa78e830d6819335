package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"meshgraph/internal/datasource"
	"meshgraph/internal/query"
	"meshgraph/internal/render"
)

// ViewSource exposes the latest state of every view.
type ViewSource interface {
	Latest(name string) (datasource.ViewState, bool)
	Views() []string
}

// Refresher triggers an out-of-schedule fetch of a view.
type Refresher interface {
	Refresh(ctx context.Context, view string) error
}

// ErrUnknownView is returned by a Refresher for views it does not drive.
var ErrUnknownView = errors.New("unknown view")

// Handler serves the graph HTTP API.
type Handler struct {
	clusterName string
	views       ViewSource
	refresher   Refresher
}

// NewHandler builds a Handler bound to the view store. A nil refresher
// disables the refresh endpoint.
func NewHandler(clusterName string, views ViewSource, refresher Refresher) *Handler {
	return &Handler{
		clusterName: clusterName,
		views:       views,
		refresher:   refresher,
	}
}

// Register wires all API endpoints on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/views", h.list)
	mux.HandleFunc("GET /api/v1/views/{view}", h.graph)
	mux.HandleFunc("POST /api/v1/views/{view}/query", h.query)
	mux.HandleFunc("POST /api/v1/views/{view}/refresh", h.refresh)
}

type viewSummary struct {
	Name      string           `json:"name"`
	State     datasource.State `json:"state"`
	Timestamp string           `json:"timestamp,omitempty"`
	UpdatedAt string           `json:"updatedAt,omitempty"`
	Error     string           `json:"error,omitempty"`
	Nodes     int              `json:"nodes"`
	Edges     int              `json:"edges"`
	Warnings  int              `json:"warnings"`
}

func summarize(view datasource.ViewState) viewSummary {
	out := viewSummary{
		Name:      view.Name,
		State:     view.State,
		Timestamp: formatTime(view.Timestamp),
		UpdatedAt: formatTime(view.UpdatedAt),
		Error:     view.Error,
	}
	if view.Set != nil {
		out.Nodes = len(view.Set.Nodes())
		out.Edges = len(view.Set.Edges())
		out.Warnings = len(view.Set.Warnings())
	}
	return out
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := "initializing"
	for _, name := range h.views.Views() {
		if view, ok := h.views.Latest(name); ok && view.Set != nil {
			status = "ok"
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"clusterName": h.clusterName,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items := []viewSummary{}
	for _, name := range h.views.Views() {
		if view, ok := h.views.Latest(name); ok {
			items = append(items, summarize(view))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// graph renders a view. The optional hide parameter removes matching
// elements, e.g. ?hide=namespace%20%3D%20istio-system%20OR%20isIdle.
func (h *Handler) graph(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ready(w, r)
	if !ok {
		return
	}
	hide, err := query.ParseFilter(r.URL.Query().Get("hide"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"view":      view.Name,
		"state":     view.State,
		"graphType": view.Set.GraphType(),
		"params":    view.Params,
		"timestamp": formatTime(view.Timestamp),
		"elements":  render.Hide(render.Elements(view.Set), hide),
		"warnings":  view.Set.Warnings(),
	})
}

// queryRequest selects elements either by a textual filter or by
// structured clauses. Group narrows the result to nodes or edges.
type queryRequest struct {
	Find    string         `json:"find"`
	Clauses [][]query.Expr `json:"clauses"`
	Group   render.Group   `json:"group"`
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ready(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	clauses := req.Clauses
	if req.Find != "" {
		parsed, err := query.ParseFilter(req.Find)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		clauses = append(clauses, parsed...)
	}
	for _, clause := range clauses {
		for _, expr := range clause {
			if err := expr.Validate(); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	g := render.Elements(view.Set)
	var candidates []*render.Element
	switch req.Group {
	case "":
		candidates = g.All()
	case render.GroupNodes:
		candidates = g.Nodes
	case render.GroupEdges:
		candidates = g.Edges
	default:
		respondError(w, http.StatusBadRequest, "unknown group "+string(req.Group))
		return
	}

	ids := []string{}
	for _, el := range query.MatchAny(candidates, clauses) {
		ids = append(ids, el.ID())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"view":      view.Name,
		"timestamp": formatTime(view.Timestamp),
		"count":     len(ids),
		"ids":       ids,
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		respondError(w, http.StatusNotImplemented, "refresh disabled")
		return
	}
	name := r.PathValue("view")
	if err := h.refresher.Refresh(r.Context(), name); err != nil {
		if errors.Is(err, ErrUnknownView) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"view": name, "status": "refreshing"})
}

// ready resolves the path's view and writes the error response when it has
// no data yet.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) (datasource.ViewState, bool) {
	name := r.PathValue("view")
	view, ok := h.views.Latest(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown view "+name)
		return view, false
	}
	if view.Set == nil {
		msg := "graph not ready"
		if view.Error != "" {
			msg = view.Error
		}
		respondError(w, http.StatusServiceUnavailable, msg)
		return view, false
	}
	return view, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
