package api

import (
	"context"
	"encoding/json"
	"net/http"

	"tigsync/internal/dircache"
	ierrors "tigsync/internal/errors"
	"tigsync/internal/hook"
	"tigsync/internal/mapping"
)

// Hooks is the set of structural operations a file manager can announce.
type Hooks interface {
	DeleteFile(ctx context.Context, path string, flags hook.Flags) (hook.Outcome, error)
	DeleteFolder(ctx context.Context, path string, flags hook.Flags) (hook.Outcome, error)
	DeleteProject(ctx context.Context, path string, flags hook.Flags) (hook.Outcome, error)
	MoveFile(ctx context.Context, src, dst string, flags hook.Flags) (hook.Outcome, error)
	MoveFolder(ctx context.Context, src, dst string, flags hook.Flags) (hook.Outcome, error)
	MoveProject(ctx context.Context, src, dst string, flags hook.Flags) (hook.Outcome, error)
}

type HookRequest struct {
	Path        string `json:"path"`
	Destination string `json:"destination,omitempty"`
	Force       bool   `json:"force"`
}

type HookResponse struct {
	Outcome string            `json:"outcome"`
	Error   string            `json:"error,omitempty"`
	Type    ierrors.ErrorType `json:"type,omitempty"`
}

type HookHandler struct {
	hooks Hooks
}

func NewHookHandler(hooks Hooks) *HookHandler {
	return &HookHandler{hooks: hooks}
}

// Register mounts every hook endpoint on mux.
func (h *HookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/hooks/delete-file", h.single(h.hooks.DeleteFile))
	mux.HandleFunc("POST /api/hooks/delete-folder", h.single(h.hooks.DeleteFolder))
	mux.HandleFunc("POST /api/hooks/delete-project", h.single(h.hooks.DeleteProject))
	mux.HandleFunc("POST /api/hooks/move-file", h.pair(h.hooks.MoveFile))
	mux.HandleFunc("POST /api/hooks/move-folder", h.pair(h.hooks.MoveFolder))
	mux.HandleFunc("POST /api/hooks/move-project", h.pair(h.hooks.MoveProject))
}

type singleHook func(context.Context, string, hook.Flags) (hook.Outcome, error)
type pairHook func(context.Context, string, string, hook.Flags) (hook.Outcome, error)

func (h *HookHandler) single(fn singleHook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeHook(w, r, false)
		if !ok {
			return
		}
		outcome, err := fn(r.Context(), req.Path, hook.Flags{Force: req.Force})
		writeOutcome(w, outcome, err)
	}
}

func (h *HookHandler) pair(fn pairHook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeHook(w, r, true)
		if !ok {
			return
		}
		outcome, err := fn(r.Context(), req.Path, req.Destination, hook.Flags{Force: req.Force})
		writeOutcome(w, outcome, err)
	}
}

func decodeHook(w http.ResponseWriter, r *http.Request, move bool) (HookRequest, bool) {
	var req HookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return req, false
	}
	if move && req.Destination == "" {
		http.Error(w, "destination is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeOutcome(w http.ResponseWriter, outcome hook.Outcome, err error) {
	resp := HookResponse{Outcome: outcome.String()}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = ierrors.CodeOf(err)
		var e *ierrors.Error
		if ierrors.As(err, &e) {
			resp.Type = e.Type
		}
	}
	writeJSON(w, status, resp)
}

// IndexHandler lists the staged entries under a working tree path.
type IndexHandler struct {
	resolver hook.Resolver
}

func NewIndexHandler(resolver hook.Resolver) *IndexHandler {
	return &IndexHandler{resolver: resolver}
}

type IndexResponse struct {
	Project     string           `json:"project"`
	MetadataDir string           `json:"metadata_dir"`
	Prefix      string           `json:"prefix"`
	Entries     []dircache.Entry `json:"entries"`
}

func (h *IndexHandler) List(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	m, err := h.resolver.Resolve(path)
	if err != nil {
		http.Error(w, err.Error(), ierrors.CodeOf(err))
		return
	}
	if m == nil {
		http.Error(w, "path is not in a mapped project", http.StatusNotFound)
		return
	}

	entries := m.Repository.Index.Snapshot().EntriesWithin(m.RelPath)
	if entries == nil {
		entries = []dircache.Entry{}
	}
	writeJSON(w, http.StatusOK, IndexResponse{
		Project:     m.Project,
		MetadataDir: m.MetadataDir,
		Prefix:      m.RelPath,
		Entries:     entries,
	})
}

// MappingHandler lists project registrations.
type MappingHandler struct {
	registry *mapping.Registry
}

func NewMappingHandler(registry *mapping.Registry) *MappingHandler {
	return &MappingHandler{registry: registry}
}

func (h *MappingHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
