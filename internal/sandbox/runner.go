package sandbox

import "context"

// Config bounds a single sandbox run.
type Config struct {
	Image          string  `json:"image"`
	MemoryLimit    string  `json:"memory_limit"`
	CPULimit       float64 `json:"cpu_limit"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	NetworkMode    string  `json:"network_mode"`
}

// DefaultConfig returns the standard limits for agent workloads.
func DefaultConfig() Config {
	return Config{
		Image:          "python:3.12-slim",
		MemoryLimit:    "256m",
		CPULimit:       1.0,
		TimeoutSeconds: 30,
		NetworkMode:    "none",
	}
}

// maxOutputBytes caps each captured stream.
const maxOutputBytes = 64 * 1024

// Result is the outcome of one sandbox execution.
type Result struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	Diff       Diff   `json:"workspace_diff"`
	TimedOut   bool   `json:"timed_out"`
	OOMKilled  bool   `json:"oom_killed"`
}

// Runner executes a command inside an isolated container.
type Runner interface {
	// Run executes command in a fresh container with workspaceDir mounted at
	// /workspace, snapshotting the workspace before and after.
	Run(ctx context.Context, command, workspaceDir string, cfg Config) (*Result, error)

	// Available reports whether the container runtime is reachable.
	Available(ctx context.Context) bool
}
