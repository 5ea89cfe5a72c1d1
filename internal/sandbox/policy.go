package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Level selects a preset security policy and resource limits.
type Level string

// Security levels, from least to most restrictive.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelLow, LevelMedium, LevelHigh:
		return l, nil
	case "":
		return LevelMedium, nil
	default:
		return "", fmt.Errorf("unknown security level %q", s)
	}
}

// EvaluateTimeout bounds Evaluate independently of MaxExecutionTime.
const EvaluateTimeout = time.Second

// MaxResourceSize caps the serialized size of a single injected resource.
const MaxResourceSize = 1 << 20

// SecurityPolicy controls what sandboxed code may do.
type SecurityPolicy struct {
	// File system
	AllowFileSystem bool
	AllowedPaths    []string

	// Network
	AllowNetwork bool
	AllowedHosts []string // exact hosts or "*.example.com"

	AllowProcessSpawn bool
	AllowEval         bool
	AllowTimers       bool

	MaxExecutionTime time.Duration
	MaxMemory        int64
}

// ResourceLimits defines the ceilings enforced on a sandbox.
type ResourceLimits struct {
	// Per-execution wall clock limit.
	ExecutionTime time.Duration

	// Accounted memory: the serialized footprint of injected resources.
	Memory int64

	// Cumulative execution time across the sandbox lifetime (0 = unlimited).
	CPUTime time.Duration

	// Largest file read_file may return, and the response body cap for http_get.
	FileSize int64

	// Outbound requests over the sandbox lifetime.
	OutboundRequests int64

	// Files open at the same time.
	FileDescriptors int64

	// Executions over the sandbox lifetime (0 = unlimited).
	MaxExecutions int64

	// Sandbox lifetime (0 = unlimited).
	MaxUptime time.Duration
}

// PolicyFor returns the preset policy for a level.
func PolicyFor(level Level) SecurityPolicy {
	switch level {
	case LevelLow:
		return SecurityPolicy{
			AllowFileSystem:  true,
			AllowNetwork:     true,
			AllowEval:        true,
			AllowTimers:      true,
			MaxExecutionTime: 30 * time.Second,
			MaxMemory:        256 * 1024 * 1024, // 256 MB
		}
	case LevelHigh:
		return SecurityPolicy{
			MaxExecutionTime: time.Second,
			MaxMemory:        16 * 1024 * 1024, // 16 MB
		}
	default:
		return SecurityPolicy{
			AllowFileSystem:  true,
			AllowNetwork:     true,
			AllowTimers:      true,
			MaxExecutionTime: 5 * time.Second,
			MaxMemory:        64 * 1024 * 1024, // 64 MB
		}
	}
}

// LimitsFor returns the preset resource limits for a level.
func LimitsFor(level Level) ResourceLimits {
	switch level {
	case LevelLow:
		return ResourceLimits{
			ExecutionTime:    30 * time.Second,
			Memory:           256 * 1024 * 1024,
			FileSize:         50 * 1024 * 1024,
			OutboundRequests: 1000,
			FileDescriptors:  256,
		}
	case LevelHigh:
		return ResourceLimits{
			ExecutionTime:    time.Second,
			Memory:           16 * 1024 * 1024,
			CPUTime:          time.Minute,
			FileSize:         1024 * 1024,
			OutboundRequests: 0,
			FileDescriptors:  8,
			MaxExecutions:    10_000,
			MaxUptime:        time.Hour,
		}
	default:
		return ResourceLimits{
			ExecutionTime:    5 * time.Second,
			Memory:           64 * 1024 * 1024,
			CPUTime:          10 * time.Minute,
			FileSize:         10 * 1024 * 1024,
			OutboundRequests: 100,
			FileDescriptors:  64,
			MaxExecutions:    100_000,
			MaxUptime:        24 * time.Hour,
		}
	}
}

// executionTimeout is the smaller of the policy and limit execution times.
func executionTimeout(p SecurityPolicy, l ResourceLimits) time.Duration {
	d := p.MaxExecutionTime
	if l.ExecutionTime > 0 && (d <= 0 || l.ExecutionTime < d) {
		d = l.ExecutionTime
	}
	if d <= 0 {
		d = PolicyFor(LevelMedium).MaxExecutionTime
	}
	return d
}

// memoryLimit is the smaller of the policy and limit memory ceilings.
func memoryLimit(p SecurityPolicy, l ResourceLimits) int64 {
	m := p.MaxMemory
	if l.Memory > 0 && (m <= 0 || l.Memory < m) {
		m = l.Memory
	}
	return m
}
