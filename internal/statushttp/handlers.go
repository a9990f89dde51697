package statushttp

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftsync/internal/sync"
)

// ProviderStatus describes one side of an instance.
type ProviderStatus struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	Connected bool   `json:"connected"`
}

// InstanceStatus summarizes one sync instance.
type InstanceStatus struct {
	Tag        string         `json:"tag"`
	Local      ProviderStatus `json:"local"`
	Remote     ProviderStatus `json:"remote"`
	Rows       int            `json:"rows"`
	Entries    int            `json:"entries"`
	Pending    int            `json:"pending"`
	Syncing    int            `json:"syncing"`
	Errors     int            `json:"errors"`
	Conflicted []string       `json:"conflicted"`
	Clean      bool           `json:"clean"`
}

type StatusResponse struct {
	Instances []*InstanceStatus `json:"instances"`
}

type PathStatusResponse struct {
	Tag   string                      `json:"tag"`
	Paths map[string]*sync.PathStatus `json:"paths"`
}

type ConflictsResponse struct {
	Conflicts map[string][]string `json:"conflicts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	engines Engines
}

func providerStatus(e *sync.SyncEngine, side sync.Side) ProviderStatus {
	p := e.Provider(side)
	return ProviderStatus{
		Name:      p.Name(),
		Root:      e.State().Root(side),
		Connected: p.Connected(),
	}
}

func conflictedPaths(e *sync.SyncEngine) []string {
	conflicted := e.Status().GetConflictedFiles()
	paths := make([]string, 0, len(conflicted))
	for path := range conflicted {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func summarize(e *sync.SyncEngine) *InstanceStatus {
	state, status := e.State(), e.Status()

	errCount := 0
	for _, st := range status.GetAllStatus() {
		if st.SyncState == sync.PathStateError {
			errCount++
		}
	}
	pending := len(state.Dirty())

	return &InstanceStatus{
		Tag:        e.Tag(),
		Local:      providerStatus(e, sync.Local),
		Remote:     providerStatus(e, sync.Remote),
		Rows:       state.Len(),
		Entries:    state.EntryCount(),
		Pending:    pending,
		Syncing:    status.GetSyncingFileCount(),
		Errors:     errCount,
		Conflicted: conflictedPaths(e),
		Clean:      pending == 0,
	}
}

func (h *handlers) engine(ctx *gin.Context) *sync.SyncEngine {
	tag := ctx.Param("tag")
	e := h.engines.Engine(tag)
	if e == nil {
		ctx.PureJSON(http.StatusNotFound, &ErrorResponse{Error: fmt.Sprintf("no sync instance %q", tag)})
	}
	return e
}

// ListStatus summarizes every instance.
func (h *handlers) ListStatus(ctx *gin.Context) {
	resp := &StatusResponse{Instances: []*InstanceStatus{}}
	for _, e := range h.engines.Engines() {
		resp.Instances = append(resp.Instances, summarize(e))
	}
	ctx.PureJSON(http.StatusOK, resp)
}

// GetStatus returns the per path status of one instance.
func (h *handlers) GetStatus(ctx *gin.Context) {
	e := h.engine(ctx)
	if e == nil {
		return
	}
	ctx.PureJSON(http.StatusOK, &PathStatusResponse{
		Tag:   e.Tag(),
		Paths: e.Status().GetAllStatus(),
	})
}

// GetState dumps the sync table, as text or with ?format=json as rows.
func (h *handlers) GetState(ctx *gin.Context) {
	e := h.engine(ctx)
	if e == nil {
		return
	}
	if ctx.Query("format") == "json" {
		ctx.PureJSON(http.StatusOK, e.State().GetAll())
		return
	}
	ctx.String(http.StatusOK, e.State().PrettyPrint())
}

// ListConflicts returns the conflict artifacts of every instance.
func (h *handlers) ListConflicts(ctx *gin.Context) {
	resp := &ConflictsResponse{Conflicts: map[string][]string{}}
	for _, e := range h.engines.Engines() {
		if paths := conflictedPaths(e); len(paths) > 0 {
			resp.Conflicts[e.Tag()] = paths
		}
	}
	ctx.PureJSON(http.StatusOK, resp)
}
