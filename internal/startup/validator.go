// Package startup runs the pre-flight checks that must pass before any
// subsystem starts: config shape, disk layout, free space, declared
// endpoints, port availability, embedding-dimension consistency, and
// runtime version.
package startup

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/R3E-Network/agentcore/pkg/config"
)

// Check is the outcome of a single validation step.
type Check struct {
	Name    string
	Passed  bool
	Fatal   bool
	Message string
}

// Summary is the full startup report. Healthy is false if any fatal check
// failed; non-fatal failures are reported in Issues without blocking start.
type Summary struct {
	Healthy bool
	Checks  []Check
	Issues  []string
}

// Config tunes the validator's thresholds. Zero values take the spec's
// defaults.
type Config struct {
	MinFreeDiskBytes  int64
	MinGoVersionMajor int
	MinGoVersionMinor int
	LLMPingTimeout    time.Duration
}

// DefaultConfig returns the spec's default thresholds: 1 GiB free space,
// Go 1.21+, and a 3s LLM reachability timeout.
func DefaultConfig() Config {
	return Config{
		MinFreeDiskBytes:  1 << 30,
		MinGoVersionMajor: 1,
		MinGoVersionMinor: 21,
		LLMPingTimeout:    3 * time.Second,
	}
}

// Validator runs the seven startup checks against a loaded Config.
type Validator struct {
	cfg Config
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	if cfg.MinFreeDiskBytes <= 0 {
		cfg.MinFreeDiskBytes = 1 << 30
	}
	if cfg.LLMPingTimeout <= 0 {
		cfg.LLMPingTimeout = 3 * time.Second
	}
	if cfg.MinGoVersionMajor <= 0 {
		cfg.MinGoVersionMajor, cfg.MinGoVersionMinor = 1, 21
	}
	return &Validator{cfg: cfg}
}

// Run executes all seven checks against appCfg and returns the aggregate
// summary. It never itself calls os.Exit; the caller decides how to react
// to a non-Healthy summary (see §4.9: fatal failures abort with non-zero
// exit, non-fatal failures are logged).
func (v *Validator) Run(ctx context.Context, appCfg *config.Config) Summary {
	checks := []Check{
		v.checkConfigKeys(appCfg),
		v.checkDirectories(appCfg),
		v.checkDiskSpace(appCfg),
		v.checkLLMReachable(ctx, appCfg),
		v.checkPortsFree(appCfg),
		v.checkEmbeddingDimension(appCfg),
		v.checkRuntimeVersion(),
	}

	summary := Summary{Healthy: true}
	for _, c := range checks {
		summary.Checks = append(summary.Checks, c)
		if !c.Passed {
			summary.Issues = append(summary.Issues, fmt.Sprintf("%s: %s", c.Name, c.Message))
			if c.Fatal {
				summary.Healthy = false
			}
		}
	}
	return summary
}

// checkConfigKeys verifies the fields the rest of the process depends on
// are present and well-typed (a zero value after Load means a required
// key was never set, since New()'s defaults always populate them).
func (v *Validator) checkConfigKeys(c *config.Config) Check {
	name := "config_keys"
	var missing []string
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		missing = append(missing, "llm.base_url")
	}
	if c.LLM.EmbeddingDim <= 0 {
		missing = append(missing, "llm.embedding_dim")
	}
	if strings.TrimSpace(c.Database.DataDir) == "" {
		missing = append(missing, "database.data_dir")
	}
	if c.Scheduler.FastTickSeconds <= 0 || c.Scheduler.HeavyTickSeconds <= 0 {
		missing = append(missing, "scheduler.fast_tick_sec/heavy_tick_sec")
	}
	if len(missing) > 0 {
		return Check{Name: name, Passed: false, Fatal: true,
			Message: "missing or invalid config keys: " + strings.Join(missing, ", ")}
	}
	return Check{Name: name, Passed: true, Message: "required config keys present"}
}

// checkDirectories ensures the data directory exists (creating it if
// absent) and is writable.
func (v *Validator) checkDirectories(c *config.Config) Check {
	name := "directories_writable"
	dir := c.Database.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Passed: false, Fatal: true, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	probe := filepath.Join(dir, ".startup-write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Check{Name: name, Passed: false, Fatal: true, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	os.Remove(probe)
	return Check{Name: name, Passed: true, Message: dir + " exists and is writable"}
}

// checkDiskSpace verifies free space on the data directory's filesystem
// is above the configured floor, via unix.Statfs.
func (v *Validator) checkDiskSpace(c *config.Config) Check {
	name := "disk_space"
	var stat unix.Statfs_t
	if err := unix.Statfs(c.Database.DataDir, &stat); err != nil {
		return Check{Name: name, Passed: false, Fatal: false, Message: fmt.Sprintf("statfs failed: %v", err)}
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < v.cfg.MinFreeDiskBytes {
		return Check{Name: name, Passed: false, Fatal: true,
			Message: fmt.Sprintf("%d bytes free, below floor of %d", free, v.cfg.MinFreeDiskBytes)}
	}
	return Check{Name: name, Passed: true, Message: fmt.Sprintf("%d bytes free", free)}
}

// checkLLMReachable pings the configured LLM base URL. Unreachable is
// non-fatal: the agent is designed to run degraded with a failing LLM
// client (see §4 error propagation policy).
func (v *Validator) checkLLMReachable(ctx context.Context, c *config.Config) Check {
	name := "llm_reachable"
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		return Check{Name: name, Passed: false, Fatal: false, Message: "no base URL configured"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, v.cfg.LLMPingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.LLM.BaseURL, nil)
	if err != nil {
		return Check{Name: name, Passed: false, Fatal: false, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{Name: name, Passed: false, Fatal: false, Message: fmt.Sprintf("unreachable: %v", err)}
	}
	resp.Body.Close()
	return Check{Name: name, Passed: true, Message: "LLM endpoint reachable"}
}

// checkPortsFree verifies the introspection server's port isn't already
// bound, by attempting a Listen and immediately closing it.
func (v *Validator) checkPortsFree(c *config.Config) Check {
	name := "ports_free"
	addr := net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{Name: name, Passed: false, Fatal: true, Message: fmt.Sprintf("%s already in use: %v", addr, err)}
	}
	ln.Close()
	return Check{Name: name, Passed: true, Message: addr + " is free"}
}

// checkEmbeddingDimension verifies the configured embedding dimension is
// positive. It does not compare that dimension with the vectors already
// stored in an existing vector store file, and neither does vector.Open:
// Add rejects new vectors whose length differs from the configured
// dimension, and TopK skips stored rows of a different length.
func (v *Validator) checkEmbeddingDimension(c *config.Config) Check {
	name := "embedding_dimension"
	if c.LLM.EmbeddingDim <= 0 {
		return Check{Name: name, Passed: false, Fatal: true, Message: "llm.embedding_dim must be positive"}
	}
	dsn := c.Database.VectorDSN()
	if _, err := os.Stat(dsn); err == nil {
		return Check{Name: name, Passed: true,
			Message: fmt.Sprintf("embedding_dim=%d configured; existing vector store at %s found; its stored dimension is not compared", c.LLM.EmbeddingDim, dsn)}
	}
	return Check{Name: name, Passed: true, Message: fmt.Sprintf("embedding_dim=%d configured", c.LLM.EmbeddingDim)}
}

// checkRuntimeVersion verifies the Go runtime is at least the configured
// minimum version.
func (v *Validator) checkRuntimeVersion() Check {
	name := "runtime_version"
	major, minor, ok := parseGoVersion(runtime.Version())
	if !ok {
		return Check{Name: name, Passed: false, Fatal: false, Message: "could not parse Go runtime version " + runtime.Version()}
	}
	if major < v.cfg.MinGoVersionMajor || (major == v.cfg.MinGoVersionMajor && minor < v.cfg.MinGoVersionMinor) {
		return Check{Name: name, Passed: false, Fatal: true,
			Message: fmt.Sprintf("go%d.%d.x required, running %s", v.cfg.MinGoVersionMajor, v.cfg.MinGoVersionMinor, runtime.Version())}
	}
	return Check{Name: name, Passed: true, Message: runtime.Version()}
}

// parseGoVersion extracts major.minor from a string like "go1.22.3".
func parseGoVersion(v string) (major, minor int, ok bool) {
	v = strings.TrimPrefix(v, "go")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(strings.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}
