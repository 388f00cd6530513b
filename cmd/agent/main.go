package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/agent"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// nodeAgent is the node-side sidecar. It announces the node to the coordinator,
// heartbeats, and serves the node-local surface the coordinator relies on:
// /system_stats for probes, /view for output fetches, /outputs for sync.
type nodeAgent struct {
	nodeID     string
	port       int
	comfyuiURL string
	outputDir  string
	reg        models.NodeRegistration
	client     *agent.Client
	httpClient *http.Client
}

func main() {
	nodeID := flag.String("node-id", "", "Unique node id (default: hostname)")
	port := flag.Int("port", 8189, "Agent listen port")
	coordinator := flag.String("coordinator", "http://localhost:8190", "Coordinator base URL")
	comfyuiURL := flag.String("comfyui", "http://127.0.0.1:8188", "Local ComfyUI base URL")
	outputDir := flag.String("output-dir", "./output", "ComfyUI output directory to serve")
	capabilities := flag.String("capabilities", models.TaskTypeTextToImage, "Comma-separated task-type capabilities")
	maxConcurrent := flag.Int("max-concurrent", 2, "Maximum concurrent tasks")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "Heartbeat interval")
	enableMDNS := flag.Bool("mdns", false, "Announce this node over mDNS")
	apiToken := flag.String("api-token", os.Getenv("COMFY_CLUSTER_TOKEN"), "Shared cluster token")
	flag.Parse()

	if *nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("Failed to determine hostname: %v", err)
		}
		*nodeID = hostname
	}

	caps := strings.Split(*capabilities, ",")
	for i := range caps {
		caps[i] = strings.TrimSpace(caps[i])
	}

	a := &nodeAgent{
		nodeID:     *nodeID,
		port:       *port,
		comfyuiURL: strings.TrimRight(*comfyuiURL, "/"),
		outputDir:  *outputDir,
		client:     agent.NewClient(*coordinator, *nodeID, *apiToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	a.reg = models.NodeRegistration{
		NodeID:        a.nodeID,
		Host:          localHost(),
		Port:          a.port,
		Capabilities:  caps,
		MaxConcurrent: *maxConcurrent,
		Labels:        hardwareLabels(),
	}

	log.Printf("Starting worker agent %s (port %d, capabilities: %v)", a.nodeID, a.port, caps)

	if *enableMDNS {
		shutdown, err := cluster.Announce(a.nodeID, a.port, caps, *maxConcurrent)
		if err != nil {
			log.Printf("mDNS announce failed, continuing with HTTP only: %v", err)
		} else {
			defer shutdown()
		}
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	a.register(rootCtx)
	stopHeartbeat := make(chan struct{})
	go a.heartbeatLoop(rootCtx, *heartbeat, stopHeartbeat)

	mx := http.NewServeMux()
	mx.HandleFunc("/system_stats", a.handleSystemStats)
	mx.HandleFunc("/outputs", a.handleOutputs)
	mx.HandleFunc("/view", a.handleView)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.port),
		Handler:      mx,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("Agent listening on :%d", a.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start agent server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down agent...")
	close(stopHeartbeat)
	a.deregister()
	srv.Close()
}

// register announces the node to the coordinator. The client retries with
// backoff until the coordinator accepts or rejects registration outright.
func (a *nodeAgent) register(ctx context.Context) {
	node, err := a.client.Register(ctx, a.reg)
	if err != nil {
		if errors.Is(err, agent.ErrRegistrationDisabled) {
			log.Println("Coordinator runs static discovery; skipping registration")
			return
		}
		log.Printf("Registration failed: %v", err)
		return
	}
	log.Printf("Registered with coordinator as %s", node.ID)
}

func (a *nodeAgent) heartbeatLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			known, err := a.client.Heartbeat(ctx)
			if err != nil {
				log.Printf("Heartbeat failed: %v", err)
				continue
			}
			if !known {
				log.Println("Coordinator lost this node, re-registering")
				a.register(ctx)
			}
		case <-stop:
			return
		}
	}
}

func (a *nodeAgent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(ctx); err != nil {
		log.Printf("Deregister failed: %v", err)
	}
}

// handleSystemStats answers coordinator probes. When a local ComfyUI is
// configured the probe passes through to it, so the node only reports
// healthy while the backend actually is.
func (a *nodeAgent) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	if a.comfyuiURL != "" {
		resp, err := a.httpClient.Get(a.comfyuiURL + "/system_stats")
		if err != nil {
			http.Error(w, fmt.Sprintf("comfyui unreachable: %v", err), http.StatusServiceUnavailable)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			http.Error(w, fmt.Sprintf("comfyui returned HTTP %d", resp.StatusCode), http.StatusServiceUnavailable)
			return
		}
	}

	stats := map[string]interface{}{"node_id": a.nodeID}
	if percs, err := cpu.Percent(0, false); err == nil && len(percs) > 0 {
		stats["cpu_percent"] = percs[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["ram_used_percent"] = vm.UsedPercent
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleOutputs lists output files relative to the output directory.
func (a *nodeAgent) handleOutputs(w http.ResponseWriter, r *http.Request) {
	paths := []string{}
	err := filepath.WalkDir(a.outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(a.outputDir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(paths)
}

// handleView serves one output file, ComfyUI /view style.
func (a *nodeAgent) handleView(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	subfolder := r.URL.Query().Get("subfolder")
	if filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	rel := filepath.Join(subfolder, filename)
	full := filepath.Join(a.outputDir, rel)
	cleaned, err := filepath.Abs(full)
	base, baseErr := filepath.Abs(a.outputDir)
	if err != nil || baseErr != nil || !strings.HasPrefix(cleaned, base+string(filepath.Separator)) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, cleaned)
}

// hardwareLabels reports basic hardware facts alongside registration.
func hardwareLabels() map[string]string {
	labels := map[string]string{}
	if n, err := cpu.Counts(true); err == nil {
		labels["cpu_threads"] = fmt.Sprintf("%d", n)
	}
	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		labels["cpu_model"] = info[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		labels["ram_bytes"] = fmt.Sprintf("%d", vm.Total)
	}
	return labels
}

// localHost picks the address other machines can reach this agent on.
func localHost() string {
	if env := os.Getenv("AGENT_ADVERTISE_HOST"); env != "" {
		return env
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	return hostname
}
