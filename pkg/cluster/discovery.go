package cluster

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/models"
)

// ServiceName is the mDNS service type worker agents announce under.
const ServiceName = "_comfyui-node._tcp"

// Discoverer browses mDNS for worker nodes announcing themselves and feeds
// them into the registry as dynamic entries. Used in dynamic and hybrid
// discovery modes alongside HTTP heartbeats.
type Discoverer struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDiscoverer creates an mDNS discoverer browsing every interval. Each
// browse cycle runs at most timeout long.
func NewDiscoverer(registry *Registry, interval, timeout time.Duration) *Discoverer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discoverer{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background browse loop.
func (d *Discoverer) Start() {
	log.Printf("[Discovery] mDNS discovery started (service: %s, interval: %v)", ServiceName, d.interval)
	go d.run()
}

// Stop terminates the browse loop.
func (d *Discoverer) Stop() {
	close(d.stopCh)
	<-d.doneCh
	log.Println("[Discovery] mDNS discovery stopped")
}

func (d *Discoverer) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.browseOnce()

	for {
		select {
		case <-ticker.C:
			d.browseOnce()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discoverer) browseOnce() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Printf("[Discovery] Failed to create resolver: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, "local.", entries); err != nil {
		log.Printf("[Discovery] Browse failed: %v", err)
		return
	}
	<-ctx.Done()
}

// handleEntry turns an mDNS announcement into a registry touch. TXT records
// carry id=<node_id>, caps=<comma separated>, max=<max_concurrent>.
func (d *Discoverer) handleEntry(entry *zeroconf.ServiceEntry) {
	reg := models.NodeRegistration{Port: entry.Port}

	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "id":
			reg.NodeID = parts[1]
		case "caps":
			if parts[1] != "" {
				reg.Capabilities = strings.Split(parts[1], ",")
			}
		case "max":
			if n, err := strconv.Atoi(parts[1]); err == nil {
				reg.MaxConcurrent = n
			}
		}
	}

	if reg.NodeID == "" {
		log.Printf("[Discovery] Announcement from %s missing node id, ignoring", entry.HostName)
		return
	}
	if len(entry.AddrIPv4) > 0 {
		reg.Host = entry.AddrIPv4[0].String()
	} else {
		reg.Host = strings.TrimSuffix(entry.HostName, ".")
	}
	if reg.Host == "" {
		return
	}

	d.registry.TouchDynamic(reg)
}

// Announce registers this process as a worker node over mDNS. The returned
// shutdown function must be called on exit.
func Announce(nodeID string, port int, capabilities []string, maxConcurrent int) (func(), error) {
	server, err := zeroconf.Register(
		nodeID,
		ServiceName,
		"local.",
		port,
		[]string{
			"id=" + nodeID,
			"caps=" + strings.Join(capabilities, ","),
			"max=" + strconv.Itoa(maxConcurrent),
		},
		nil,
	)
	if err != nil {
		return nil, err
	}
	log.Printf("[Discovery] Announcing node %s on mDNS (%s, port %d)", nodeID, ServiceName, port)
	return server.Shutdown, nil
}
