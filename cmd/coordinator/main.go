package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/api"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/cluster"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/executor"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/fileproxy"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/filesync"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/metrics"
	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/middleware"
	clustertls "github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/tls"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Cluster configuration file")
	listenAddr := flag.String("listen", ":8190", "Coordinator listen address")
	apiToken := flag.String("api-token", os.Getenv("COMFY_CLUSTER_TOKEN"), "Shared cluster token; empty disables auth")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file; generated self-signed when missing")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	flag.Parse()

	log.Println("Starting ComfyUI cluster coordinator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration rejected: %v", err)
	}

	m := metrics.New()

	// registry before anything else: static seed must be in place before
	// the registry becomes queryable
	registry := cluster.NewRegistry(2 * cfg.Nodes.HealthCheckInterval)
	if err := registry.SeedStatic(cfg.Nodes.StaticNodes); err != nil {
		log.Fatalf("Static node seed failed: %v", err)
	}

	balancer := cluster.NewBalancer(registry, m)
	exec := executor.New(cfg, balancer)
	log.Printf("Routing mode: %s (discovery: %s, %d static nodes)",
		exec.Mode(), cfg.Nodes.DiscoveryMode, len(cfg.Nodes.StaticNodes))

	var stoppers []func()

	var checker *cluster.HealthChecker
	var proxy *fileproxy.Proxy
	if cfg.Distributed.Enabled {
		prober := cluster.NewHTTPProber(cfg.Nodes.ProbeTimeout)
		checker = cluster.NewHealthChecker(registry, prober,
			cfg.Nodes.HealthCheckInterval, cfg.Nodes.ProbeTimeout,
			cfg.Nodes.FailureThreshold, m)
		checker.Start()
		stoppers = append(stoppers, checker.Stop)

		if cfg.Nodes.DiscoveryMode != config.DiscoveryStatic {
			disc := cluster.NewDiscoverer(registry,
				cfg.Nodes.HealthCheckInterval, cfg.Nodes.ProbeTimeout)
			disc.Start()
			stoppers = append(stoppers, disc.Stop)
		}

		fm := cfg.Distributed.FileManagement
		fetcher := fileproxy.NewHTTPFetcher(fm.FetchTimeout)
		proxy = fileproxy.New(registry, fetcher, fm, m)
		proxy.StartJanitor()
		stoppers = append(stoppers, proxy.StopJanitor)

		if cfg.Distributed.Sync.EnableFileSync {
			lister := filesync.NewHTTPLister(fm.FetchTimeout)
			syncer := filesync.NewManager(registry, proxy, lister, cfg.Distributed.Sync)
			syncer.Start()
			stoppers = append(stoppers, syncer.Stop)
		}
	}

	handler := api.NewHandler(cfg, registry, balancer, exec, proxy)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods("GET")

	var root http.Handler = router
	root = middleware.BearerAuth(*apiToken)(root)
	root = middleware.Logging(root)

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			if err = clustertls.EnsureServerCert(*tlsCert, *tlsKey, "coordinator"); err != nil {
				log.Fatalf("Failed to prepare TLS certificate: %v", err)
			}
			log.Printf("Coordinator listening on %s (TLS)", *listenAddr)
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			log.Printf("Coordinator listening on %s", *listenAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	// stop background loops in reverse start order
	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}
	log.Println("Coordinator stopped")
}
