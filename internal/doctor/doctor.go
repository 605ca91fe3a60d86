// Package doctor runs a liveness self-check of the daemon's on-disk and
// database state: config load, artifacts directories, policy file, schema
// version, and bind-address reachability. It performs no backup/restore;
// spec's Non-goals exclude those, and doctor only reads.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkArtifactsWritable,
		checkPolicyFile,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded, db_path=%s", cfg.DBPath)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema valid"}
}

// checkArtifactsWritable verifies the per-task event log directory and the
// sqlite state directory exist and accept writes, the liveness self-check
// spec's original source used in place of any backup/restore utility.
func checkArtifactsWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Artifacts", Status: "SKIP", Message: "config missing"}
	}
	dirs := []string{
		filepath.Join(cfg.RepoRoot, "artifacts", "scc_tasks"),
		filepath.Dir(cfg.DBPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Artifacts", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".doctor_write_test")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return CheckResult{Name: "Artifacts", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(probe)
	}
	return CheckResult{Name: "Artifacts", Status: "PASS", Message: "artifacts directories writable"}
}

func checkPolicyFile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "config missing"}
	}
	if _, err := os.Stat(cfg.PolicyPath); err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Name: "Policy", Status: "WARN", Message: fmt.Sprintf("%s not found, running with default policy", cfg.PolicyPath)}
		}
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("stat failed: %v", err)}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: fmt.Sprintf("found %s", cfg.PolicyPath)}
}

// checkBindAddr verifies cfg.BindAddr can be resolved and is currently free
// to bind, so an operator running doctor before scchubd catches a port
// conflict ahead of time.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Network", Status: "FAIL", Message: fmt.Sprintf("bind_addr %s unavailable: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("bind_addr %s is free", cfg.BindAddr)}
}
