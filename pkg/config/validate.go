package config

import (
	"fmt"
	"strings"
)

// ConfigurationError aggregates every validation problem found in a cluster
// config. The system must refuse to start while one exists.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid cluster configuration (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// NewConfigurationError builds a ConfigurationError from a formatted problem.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// Validate checks the whole configuration and collects every violation
// rather than stopping at the first. A non-nil return is always a
// *ConfigurationError.
func Validate(cfg *ClusterConfig) error {
	var problems []string

	switch cfg.Nodes.DiscoveryMode {
	case DiscoveryStatic, DiscoveryDynamic, DiscoveryHybrid:
	default:
		problems = append(problems, fmt.Sprintf(
			"nodes.discovery_mode must be one of static, dynamic, hybrid (got %q)",
			cfg.Nodes.DiscoveryMode))
	}

	needsStatic := cfg.Nodes.DiscoveryMode == DiscoveryStatic || cfg.Nodes.DiscoveryMode == DiscoveryHybrid
	if needsStatic && len(cfg.Nodes.StaticNodes) == 0 {
		problems = append(problems, fmt.Sprintf(
			"nodes.static_nodes must not be empty in %s discovery mode", cfg.Nodes.DiscoveryMode))
	}

	seen := make(map[string]bool, len(cfg.Nodes.StaticNodes))
	for i, n := range cfg.Nodes.StaticNodes {
		where := fmt.Sprintf("nodes.static_nodes[%d]", i)
		if n.NodeID == "" {
			problems = append(problems, where+": node_id is required")
		} else if seen[n.NodeID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate node_id %q", where, n.NodeID))
		} else {
			seen[n.NodeID] = true
		}
		if n.Host == "" {
			problems = append(problems, where+": host is required")
		}
		if n.Port < 1 || n.Port > 65535 {
			problems = append(problems, fmt.Sprintf("%s: port must be in [1,65535] (got %d)", where, n.Port))
		}
		if len(n.Capabilities) == 0 {
			problems = append(problems, where+": capabilities must not be empty")
		}
		if n.MaxConcurrent < 1 {
			problems = append(problems, fmt.Sprintf("%s: max_concurrent must be positive (got %d)", where, n.MaxConcurrent))
		}
	}

	if cfg.Nodes.HealthCheckInterval <= 0 {
		problems = append(problems, "nodes.health_check_interval must be positive")
	}
	if cfg.Nodes.FailureThreshold < 1 {
		problems = append(problems, fmt.Sprintf(
			"nodes.failure_threshold must be at least 1 (got %d)", cfg.Nodes.FailureThreshold))
	}

	if cfg.ComfyUI.Host == "" {
		problems = append(problems, "comfyui.host is required")
	}
	if cfg.ComfyUI.Port < 1 || cfg.ComfyUI.Port > 65535 {
		problems = append(problems, fmt.Sprintf("comfyui.port must be in [1,65535] (got %d)", cfg.ComfyUI.Port))
	}
	if cfg.ComfyUI.Timeout <= 0 {
		problems = append(problems, "comfyui.timeout must be positive")
	}

	if cfg.Distributed.FileManagement.EnableFileCache {
		fm := cfg.Distributed.FileManagement
		if fm.ProxyOutputDir == "" {
			problems = append(problems, "distributed.file_management.proxy_output_dir is required when the file cache is enabled")
		}
		if fm.CacheTTL <= 0 {
			problems = append(problems, "distributed.file_management.cache_ttl must be positive")
		}
		if fm.MaxCacheSize <= 0 {
			problems = append(problems, "distributed.file_management.max_cache_size must be positive")
		}
	}

	if cfg.Distributed.Sync.EnableFileSync && cfg.Distributed.Sync.SyncInterval <= 0 {
		problems = append(problems, "distributed.sync.sync_interval must be positive when file sync is enabled")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
