package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/executor"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/fileproxy"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// Handler exposes the coordinator HTTP API: node membership, the aggregate
// health document, task dispatch, and transparent output-file access.
type Handler struct {
	cfg      *config.ClusterConfig
	registry *cluster.Registry
	balancer *cluster.Balancer
	executor *executor.Executor
	proxy    *fileproxy.Proxy
}

// NewHandler wires the coordinator components into an HTTP handler.
// balancer and proxy may be nil in single mode.
func NewHandler(cfg *config.ClusterConfig, registry *cluster.Registry, balancer *cluster.Balancer, exec *executor.Executor, proxy *fileproxy.Proxy) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		balancer: balancer,
		executor: exec,
		proxy:    proxy,
	}
}

// RegisterRoutes registers all API routes. Specific routes go before
// parameterized ones.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/nodes/register", h.RegisterNode).Methods("POST")
	r.HandleFunc("/nodes/stats", h.NodeStats).Methods("GET")
	r.HandleFunc("/nodes", h.ListNodes).Methods("GET")
	r.HandleFunc("/nodes/{id}/heartbeat", h.NodeHeartbeat).Methods("POST")
	r.HandleFunc("/nodes/{id}", h.GetNode).Methods("GET")
	r.HandleFunc("/nodes/{id}", h.RemoveNode).Methods("DELETE")

	r.HandleFunc("/tasks/dispatch", h.DispatchTask).Methods("POST")
	r.HandleFunc("/tasks/{id}/complete", h.CompleteTask).Methods("POST")

	r.HandleFunc("/files/{node_id}/{path:.*}", h.ServeFile).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// nodeHealthDoc is one node's slice of the aggregate health document.
type nodeHealthDoc struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Load   string `json:"load"`
	Error  string `json:"error,omitempty"`
}

// healthDoc is the aggregate health report. It always carries partial data
// even when an internal check fails.
type healthDoc struct {
	Status       string                   `json:"status"`
	Mode         string                   `json:"mode"`
	HealthyNodes int                      `json:"healthy_nodes,omitempty"`
	TotalNodes   int                      `json:"total_nodes,omitempty"`
	Nodes        map[string]nodeHealthDoc `json:"nodes,omitempty"`
	Cache        *cacheDoc                `json:"cache,omitempty"`
	LiveTasks    int                      `json:"live_tasks"`
}

type cacheDoc struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Health serves the aggregate health document.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	doc := healthDoc{
		Status:    "ok",
		Mode:      string(h.executor.Mode()),
		LiveTasks: len(h.executor.Assignments()),
	}

	if h.executor.Mode() == executor.ModeDistributed {
		nodes := h.registry.List(cluster.Filter{})
		doc.TotalNodes = len(nodes)
		doc.Nodes = make(map[string]nodeHealthDoc, len(nodes))
		for _, n := range nodes {
			nd := nodeHealthDoc{
				Status: string(n.Health),
				URL:    n.URL(),
				Load:   loadString(n),
			}
			if n.Health == models.HealthUnreachable {
				nd.Error = "failed consecutive health probes"
			}
			doc.Nodes[n.ID] = nd
			if n.Health == models.HealthHealthy {
				doc.HealthyNodes++
			}
		}
		if doc.TotalNodes > 0 && doc.HealthyNodes == 0 {
			doc.Status = "degraded"
		}
	}

	if h.proxy != nil {
		entries, total := h.proxy.Stats()
		doc.Cache = &cacheDoc{Entries: entries, TotalBytes: total}
	}

	writeJSON(w, http.StatusOK, doc)
}

func loadString(n *models.Node) string {
	return fmt.Sprintf("%d/%d", n.CurrentLoad, n.MaxConcurrent)
}

// ListNodes returns a snapshot of all registered nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	filter := cluster.Filter{
		Capability: r.URL.Query().Get("capability"),
		Health:     models.HealthState(r.URL.Query().Get("health")),
	}
	writeJSON(w, http.StatusOK, h.registry.List(filter))
}

// GetNode returns one node.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// RegisterNode handles dynamic node announcement over HTTP. Disabled in
// static discovery mode.
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Nodes.DiscoveryMode == config.DiscoveryStatic {
		writeError(w, http.StatusForbidden, "dynamic registration disabled in static discovery mode")
		return
	}

	var reg models.NodeRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if reg.NodeID == "" || reg.Host == "" || reg.Port < 1 || reg.Port > 65535 {
		writeError(w, http.StatusBadRequest, "node_id, host and a valid port are required")
		return
	}

	node := h.registry.TouchDynamic(reg)
	writeJSON(w, http.StatusOK, node)
}

// NodeHeartbeat refreshes a dynamic node's expiry clock.
func (h *Handler) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Nodes.DiscoveryMode == config.DiscoveryStatic {
		writeError(w, http.StatusForbidden, "heartbeats disabled in static discovery mode")
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := h.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	h.registry.TouchDynamic(models.NodeRegistration{NodeID: id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// RemoveNode deletes a node from the registry.
func (h *Handler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeStats returns per-node dispatch counters.
func (h *Handler) NodeStats(w http.ResponseWriter, r *http.Request) {
	if h.balancer == nil {
		writeJSON(w, http.StatusOK, []models.NodeStats{})
		return
	}
	writeJSON(w, http.StatusOK, h.balancer.Stats())
}

type dispatchRequest struct {
	TaskType string `json:"task_type"`
	TaskID   string `json:"task_id,omitempty"`
}

type dispatchResponse struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
	NodeID string `json:"node_id,omitempty"`
}

// DispatchTask resolves an execution URL for a task. The caller submits the
// workflow to the returned URL itself and reports completion afterwards.
func (h *Handler) DispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		req.TaskID = executor.NewTaskID()
	}

	url, nodeID, err := h.executor.GetExecutionURL(req.TaskType, req.TaskID)
	if err != nil {
		var noNode *cluster.NoAvailableNodeError
		if errors.As(err, &noNode) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dispatchResponse{
		TaskID: req.TaskID,
		URL:    url,
		NodeID: nodeID,
	})
}

type completeRequest struct {
	Error string `json:"error,omitempty"`
}

// CompleteTask releases the task's reservation and records its outcome.
// Callers must hit this exactly once per dispatched task, on every outcome.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req completeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var taskErr error
	if req.Error != "" {
		taskErr = errors.New(req.Error)
	}
	h.executor.CompleteTask(taskID, taskErr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ServeFile transparently serves a generated asset by node id and relative
// path, from cache or freshly fetched, without exposing node topology.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h.proxy == nil {
		writeError(w, http.StatusNotFound, "file proxy disabled")
		return
	}

	vars := mux.Vars(r)
	localPath, err := h.proxy.Resolve(r.Context(), vars["node_id"], vars["path"])
	if err != nil {
		var fetchErr *fileproxy.FileFetchError
		if errors.As(err, &fetchErr) {
			writeError(w, http.StatusBadGateway, fetchErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.ServeFile(w, r, localPath)
}
