package executor

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the execution engine's runtime configuration: the enumerated
// deployment/transport/timeout knobs plus the size bounds for the dedup set
// and the metadata cache indices.
type Config struct {
	Deployment      int
	DeploymentCount int

	TCPEnabled  bool
	TCPPortBase int

	WorkerTimeout time.Duration

	QueueCap int // safety cap on the otherwise-unbounded work queue
	DedupMax int

	InodeCacheMax int
	ACLCacheMax   int
	EZCacheMax    int

	// ListenerRPS throttles admission ahead of the single-writer queue;
	// ListenerBurst is the token-bucket depth.
	ListenerRPS   float64
	ListenerBurst int

	ConsistencyProtocolEnabled bool
	LogLevel                   string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Deployment:      0,
		DeploymentCount: 1,
		TCPEnabled:      true,
		TCPPortBase:     9400,
		WorkerTimeout:   20 * time.Second,
		QueueCap:        4096,
		DedupMax:        DefaultDedupMax,
		InodeCacheMax:   10000,
		ACLCacheMax:     10000,
		EZCacheMax:      10000,
		ListenerRPS:     500,
		ListenerBurst:   100,
		LogLevel:        "info",
	}
}

// ConfigFromEnv overlays environment variables onto DefaultConfig. The
// deployment number is derived from the function name's trailing integer
// (FUNCTION_NAME), falling back to DEPLOYMENT_NUMBER when unset.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if name := os.Getenv("FUNCTION_NAME"); name != "" {
		if d, err := DeploymentFromName(name); err == nil {
			cfg.Deployment = d
		}
	}
	cfg.Deployment = envInt("DEPLOYMENT_NUMBER", cfg.Deployment)
	cfg.DeploymentCount = envInt("DEPLOYMENTS_COUNT", cfg.DeploymentCount)
	cfg.TCPEnabled = envBool("TCP_ENABLED", cfg.TCPEnabled)
	cfg.TCPPortBase = envInt("TCP_PORT_BASE", cfg.TCPPortBase)
	if ms := envInt("WORKER_TIMEOUT_MS", 0); ms > 0 {
		cfg.WorkerTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.DedupMax = envInt("DEDUP_MAX", cfg.DedupMax)
	cfg.InodeCacheMax = envInt("CACHE_INODE_MAX", cfg.InodeCacheMax)
	cfg.ACLCacheMax = envInt("CACHE_ACL_MAX", cfg.ACLCacheMax)
	cfg.EZCacheMax = envInt("CACHE_EZ_MAX", cfg.EZCacheMax)
	cfg.ConsistencyProtocolEnabled = envBool("CONSISTENCY_PROTOCOL_ENABLED", cfg.ConsistencyProtocolEnabled)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg
}

// DeploymentFromName extracts the deployment number from a serverless
// function name ending in a non-negative integer (e.g. "namenode7" -> 7).
func DeploymentFromName(name string) (int, error) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, fmt.Errorf("function name %q has no trailing deployment number", name)
	}
	return strconv.Atoi(name[i:])
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
