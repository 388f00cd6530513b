package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Discovery modes for cluster membership.
const (
	DiscoveryStatic  = "static"
	DiscoveryDynamic = "dynamic"
	DiscoveryHybrid  = "hybrid"
)

// ClusterConfig is the full configuration surface for the orchestration
// layer. It is built once at startup, validated, and treated as immutable
// thereafter; reloading means building and validating a fresh instance.
type ClusterConfig struct {
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed"`
	Nodes       NodesConfig       `mapstructure:"nodes" yaml:"nodes"`
	ComfyUI     ComfyUIConfig     `mapstructure:"comfyui" yaml:"comfyui"`
}

// DistributedConfig controls distributed routing and file handling.
type DistributedConfig struct {
	Enabled         bool                 `mapstructure:"enabled" yaml:"enabled"`
	DegradeToSingle bool                 `mapstructure:"degrade_to_single" yaml:"degrade_to_single"`
	FileManagement  FileManagementConfig `mapstructure:"file_management" yaml:"file_management"`
	Sync            SyncConfig           `mapstructure:"sync" yaml:"sync"`
}

// FileManagementConfig configures the coordinator-side file proxy cache.
type FileManagementConfig struct {
	ProxyOutputDir  string        `mapstructure:"proxy_output_dir" yaml:"proxy_output_dir"`
	EnableFileCache bool          `mapstructure:"enable_file_cache" yaml:"enable_file_cache"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MaxCacheSize    int64         `mapstructure:"max_cache_size" yaml:"max_cache_size"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
}

// SyncConfig configures the periodic output-file sync manager.
type SyncConfig struct {
	EnableFileSync bool          `mapstructure:"enable_file_sync" yaml:"enable_file_sync"`
	SyncInterval   time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	SyncPatterns   []string      `mapstructure:"sync_patterns" yaml:"sync_patterns"`
}

// NodesConfig configures cluster membership and health checking.
type NodesConfig struct {
	DiscoveryMode       string        `mapstructure:"discovery_mode" yaml:"discovery_mode"`
	StaticNodes         []StaticNode  `mapstructure:"static_nodes" yaml:"static_nodes"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	FailureThreshold    int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// StaticNode describes a node pinned in configuration. Static nodes never
// expire from the registry.
type StaticNode struct {
	NodeID        string   `mapstructure:"node_id" yaml:"node_id"`
	Host          string   `mapstructure:"host" yaml:"host"`
	Port          int      `mapstructure:"port" yaml:"port"`
	MaxConcurrent int      `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Capabilities  []string `mapstructure:"capabilities" yaml:"capabilities"`
}

// ComfyUIConfig is the fixed single-mode fallback target.
type ComfyUIConfig struct {
	Host    string        `mapstructure:"host" yaml:"host"`
	Port    int           `mapstructure:"port" yaml:"port"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// URL returns the single-mode execution URL.
func (c ComfyUIConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Default returns a config with sensible defaults for everything that is
// not membership-specific.
func Default() *ClusterConfig {
	return &ClusterConfig{
		Distributed: DistributedConfig{
			Enabled:         false,
			DegradeToSingle: true,
			FileManagement: FileManagementConfig{
				ProxyOutputDir:  "./output/proxy",
				EnableFileCache: true,
				CacheTTL:        5 * time.Minute,
				MaxCacheSize:    1 << 30, // 1 GiB
				FetchTimeout:    30 * time.Second,
			},
			Sync: SyncConfig{
				EnableFileSync: false,
				SyncInterval:   time.Minute,
				SyncPatterns:   []string{"*.png", "*.mp4"},
			},
		},
		Nodes: NodesConfig{
			DiscoveryMode:       DiscoveryStatic,
			HealthCheckInterval: 10 * time.Second,
			ProbeTimeout:        3 * time.Second,
			FailureThreshold:    3,
		},
		ComfyUI: ComfyUIConfig{
			Host:    "127.0.0.1",
			Port:    8188,
			Timeout: 300 * time.Second,
		},
	}
}

// Load reads the cluster configuration from the given file, applies
// defaults, and validates it. Any violation is returned as a single
// aggregated ConfigurationError.
func Load(path string) (*ClusterConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("COMFY_CLUSTER")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &ClusterConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors Default() into viper so partial config files work.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("distributed.enabled", d.Distributed.Enabled)
	v.SetDefault("distributed.degrade_to_single", d.Distributed.DegradeToSingle)
	v.SetDefault("distributed.file_management.proxy_output_dir", d.Distributed.FileManagement.ProxyOutputDir)
	v.SetDefault("distributed.file_management.enable_file_cache", d.Distributed.FileManagement.EnableFileCache)
	v.SetDefault("distributed.file_management.cache_ttl", d.Distributed.FileManagement.CacheTTL)
	v.SetDefault("distributed.file_management.max_cache_size", d.Distributed.FileManagement.MaxCacheSize)
	v.SetDefault("distributed.file_management.fetch_timeout", d.Distributed.FileManagement.FetchTimeout)
	v.SetDefault("distributed.sync.enable_file_sync", d.Distributed.Sync.EnableFileSync)
	v.SetDefault("distributed.sync.sync_interval", d.Distributed.Sync.SyncInterval)
	v.SetDefault("distributed.sync.sync_patterns", d.Distributed.Sync.SyncPatterns)
	v.SetDefault("nodes.discovery_mode", d.Nodes.DiscoveryMode)
	v.SetDefault("nodes.health_check_interval", d.Nodes.HealthCheckInterval)
	v.SetDefault("nodes.probe_timeout", d.Nodes.ProbeTimeout)
	v.SetDefault("nodes.failure_threshold", d.Nodes.FailureThreshold)
	v.SetDefault("comfyui.host", d.ComfyUI.Host)
	v.SetDefault("comfyui.port", d.ComfyUI.Port)
	v.SetDefault("comfyui.timeout", d.ComfyUI.Timeout)
}
