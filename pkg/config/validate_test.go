package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() *ClusterConfig {
	cfg := Default()
	cfg.Distributed.Enabled = true
	cfg.Nodes.DiscoveryMode = DiscoveryStatic
	cfg.Nodes.StaticNodes = []StaticNode{
		{NodeID: "node-a", Host: "10.0.0.1", Port: 8188, MaxConcurrent: 2, Capabilities: []string{"text_to_image"}},
		{NodeID: "node-b", Host: "10.0.0.2", Port: 8188, MaxConcurrent: 4, Capabilities: []string{"text_to_image", "image_to_video"}},
	}
	return cfg
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := Validate(validTestConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateDuplicateNodeID(t *testing.T) {
	cfg := validTestConfig()
	cfg.Nodes.StaticNodes[1].NodeID = "node-a"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected ConfigurationError for duplicate node_id")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if !strings.Contains(err.Error(), "duplicate node_id") {
		t.Errorf("error should name the duplicate: %v", err)
	}
}

func TestValidateAggregatesAllProblems(t *testing.T) {
	cfg := validTestConfig()
	cfg.Nodes.DiscoveryMode = "gossip"
	cfg.Nodes.StaticNodes[0].Port = 0
	cfg.Nodes.StaticNodes[0].Capabilities = nil
	cfg.ComfyUI.Host = ""
	cfg.ComfyUI.Timeout = 0

	err := Validate(cfg)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if len(cfgErr.Problems) != 5 {
		t.Errorf("expected 5 problems reported together, got %d: %v", len(cfgErr.Problems), cfgErr.Problems)
	}
}

func TestValidateStaticModeRequiresNodes(t *testing.T) {
	for _, mode := range []string{DiscoveryStatic, DiscoveryHybrid} {
		cfg := validTestConfig()
		cfg.Nodes.DiscoveryMode = mode
		cfg.Nodes.StaticNodes = nil
		if err := Validate(cfg); err == nil {
			t.Errorf("mode %s with no static nodes should fail validation", mode)
		}
	}

	cfg := validTestConfig()
	cfg.Nodes.DiscoveryMode = DiscoveryDynamic
	cfg.Nodes.StaticNodes = nil
	if err := Validate(cfg); err != nil {
		t.Errorf("dynamic mode with no static nodes should be valid, got: %v", err)
	}
}

func TestValidateSingleModeTarget(t *testing.T) {
	cfg := validTestConfig()
	cfg.ComfyUI.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Error("out-of-range comfyui.port should fail validation")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
distributed:
  enabled: true
  degrade_to_single: false
nodes:
  discovery_mode: hybrid
  health_check_interval: 5s
  failure_threshold: 2
  static_nodes:
    - node_id: gpu-1
      host: 192.168.1.10
      port: 8188
      max_concurrent: 3
      capabilities: [text_to_image, image_to_video]
comfyui:
  host: 127.0.0.1
  port: 8188
  timeout: 120s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Distributed.Enabled {
		t.Error("distributed.enabled should be true")
	}
	if cfg.Distributed.DegradeToSingle {
		t.Error("degrade_to_single should be false")
	}
	if cfg.Nodes.DiscoveryMode != DiscoveryHybrid {
		t.Errorf("discovery_mode = %q, want hybrid", cfg.Nodes.DiscoveryMode)
	}
	if cfg.Nodes.HealthCheckInterval != 5*time.Second {
		t.Errorf("health_check_interval = %v, want 5s", cfg.Nodes.HealthCheckInterval)
	}
	if cfg.Nodes.FailureThreshold != 2 {
		t.Errorf("failure_threshold = %d, want 2", cfg.Nodes.FailureThreshold)
	}
	if len(cfg.Nodes.StaticNodes) != 1 || cfg.Nodes.StaticNodes[0].NodeID != "gpu-1" {
		t.Errorf("static_nodes not parsed: %+v", cfg.Nodes.StaticNodes)
	}
	// defaults must fill what the file omits
	if cfg.Distributed.FileManagement.CacheTTL != 5*time.Minute {
		t.Errorf("cache_ttl default = %v, want 5m", cfg.Distributed.FileManagement.CacheTTL)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
distributed:
  enabled: true
nodes:
  discovery_mode: static
  static_nodes: []
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(path)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
}
