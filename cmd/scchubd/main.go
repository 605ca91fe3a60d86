// Command scchubd is the scc-hub daemon: it wires TaskStore, AgentRegistry,
// PriorityScheduler, LeaseManager, A2ABus, PolicyGate, OrchestratorCore, and
// the Gateway HTTP front door into one process and serves until signaled.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quantsys/scc-hub/internal/a2abus"
	"github.com/quantsys/scc-hub/internal/audit"
	"github.com/quantsys/scc-hub/internal/bus"
	"github.com/quantsys/scc-hub/internal/config"
	"github.com/quantsys/scc-hub/internal/cron"
	"github.com/quantsys/scc-hub/internal/eventlog"
	"github.com/quantsys/scc-hub/internal/gateway"
	"github.com/quantsys/scc-hub/internal/lease"
	"github.com/quantsys/scc-hub/internal/orchestrator"
	"github.com/quantsys/scc-hub/internal/persistence"
	"github.com/quantsys/scc-hub/internal/policy"
	"github.com/quantsys/scc-hub/internal/registry"
	"github.com/quantsys/scc-hub/internal/scheduler"
)

func main() {
	loadDotEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	homeDir := filepath.Dir(cfg.DBPath)
	cfg.HomeDir = homeDir

	// Audit before logger: a logger construction failure must still be
	// auditable.
	if err := audit.Init(homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if !isLoopback(cfg.BindAddr) && len(cfg.CORS.AllowedOrigins) == 0 && cfg.CORS.Enabled {
		logger.Warn("binding to a non-loopback address with CORS enabled and no allowed_origins configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewWithLogger(logger)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	events := eventlog.New(filepath.Join(cfg.RepoRoot, "artifacts", "scc_tasks"))

	reg := registry.New(store, eventBus)
	sched := scheduler.New(store, events, cfg.LeaseTTL(), cfg.AgingThreshold(), cfg.Scheduler.AgingStep)
	leaseMgr := lease.New(lease.Config{
		Store:         store,
		Events:        events,
		Bus:           eventBus,
		Logger:        logger,
		SweepInterval: cfg.LeaseSweepInterval(),
		MaxRetries:    cfg.Scheduler.MaxRetries,
	})
	a2a := a2abus.New(a2abus.Config{Store: store, Registry: reg, Events: events, Bus: eventBus})
	core := orchestrator.NewCore(cfg, store, events, filepath.Join(cfg.RepoRoot, "artifacts", "scc_tasks"))

	maintSched, err := cron.NewScheduler(cron.Config{
		Store:  store,
		Logger: logger,
		Jobs:   []cron.Job{cron.ReapStaleAgentsJob("*/5 * * * *", 2*cfg.LeaseTTL())},
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_SCHEDULER", err)
	}

	gate, livePolicy, err := buildPolicyGate(cfg)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}

	policyWatcher := config.NewWatcher(logger, cfg.PolicyPath)
	if err := policyWatcher.Start(ctx); err != nil {
		logger.Warn("policy file watcher unavailable, hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range policyWatcher.Events() {
				if err := policy.ReloadFromFile(livePolicy, ev.Path); err != nil {
					logger.Error("policy reload failed, keeping previous policy", "path", ev.Path, "error", err)
					continue
				}
				logger.Info("policy reloaded", "path", ev.Path, "policy_version", livePolicy.PolicyVersion())
			}
		}()
	}

	if err := bootstrapAuthToken(&cfg, homeDir); err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.NewServer(gateway.Config{
		Cfg:       cfg,
		Store:     store,
		Registry:  reg,
		Scheduler: sched,
		Lease:     leaseMgr,
		A2A:       a2a,
		Core:      core,
		Events:    events,
		Bus:       eventBus,
		Gate:      gate,
		Conns:     gate.Conns,
	})

	leaseMgr.Start(ctx)
	defer leaseMgr.Stop()
	maintSched.Start(ctx)
	defer maintSched.Stop()

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	server := &http.Server{Handler: gw}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := reg.DeregisterAll(shutdownCtx); err != nil {
		logger.Error("deregister agents on shutdown failed", "error", err)
	}
	_ = audit.Close()
}

// buildPolicyGate assembles the Gate from cfg, registering the schemas and
// gates spec's PolicyGate requires, defaulting every switch off unless the
// config explicitly enables it. It also loads the outbound-call allowlist
// (allow_domains/allow_paths/allow_capabilities) from the same policy.yaml
// into a LivePolicy, returned separately so main can wire hot-reload.
func buildPolicyGate(cfg config.Config) (*policy.Gate, *policy.LivePolicy, error) {
	roles := make(map[string]policy.Role, len(cfg.Auth.Keys))
	for token, entry := range cfg.Auth.Keys {
		roles[token] = policy.Role(entry.Role)
	}

	schemas := policy.NewSchemaGate()
	if err := schemas.Compile("scc.submit.v1", submitSchemaV1); err != nil {
		return nil, nil, fmt.Errorf("compile scc.submit.v1: %w", err)
	}

	initial, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load policy file: %w", err)
	}
	livePolicy := policy.NewLivePolicy(initial, cfg.PolicyPath)

	gate := &policy.Gate{
		Policy:       livePolicy,
		Roles:        roles,
		Rate:         policy.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerMinute),
		Conns:        policy.NewConnLimiter(cfg.RateLimit.SSEMaxConnections),
		Schemas:      schemas,
		SignatureOn:  cfg.Gates.SignatureEnabled,
		SemCtxOn:     cfg.Gates.SemCtxEnabled,
		ImportScanOn: cfg.Gates.ImportScanEnabled,
		ImportScan:   policy.DefaultImportScanGate(cfg.RepoRoot),
		RepoRoot:     cfg.RepoRoot,
		ShaMapPath:   filepath.Join(cfg.RepoRoot, "sha256_map.json"),
		SemCtxPath:   filepath.Join(cfg.RepoRoot, "semantic_context", "index.jsonl"),
	}
	return gate, livePolicy, nil
}

// submitSchemaV1 is the JSON Schema task-result submissions must satisfy
// (spec §4.8's schema gate), covering the fields every report_result call
// carries.
var submitSchemaV1 = []byte(`{
	"type": "object",
	"required": ["task_id", "verdict"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"verdict": {"type": "string"},
		"report_path": {"type": "string"},
		"evidence_dir": {"type": "string"}
	}
}`)

// bootstrapAuthToken mints a standalone operator token on first run so the
// daemon is usable without hand-editing config.yaml, following the
// teacher's auth.token generation pattern adapted to this repo's
// token->role key table instead of a single shared secret.
func bootstrapAuthToken(cfg *config.Config, homeDir string) error {
	if cfg.Auth.Mode != "bearer" || len(cfg.Auth.Keys) > 0 {
		return nil
	}
	if raw := strings.TrimSpace(os.Getenv("SCC_HUB_AUTH_TOKEN")); raw != "" {
		cfg.Auth.Keys = map[string]config.APIKeyEntry{raw: {Token: raw, Role: "admin", Label: "env"}}
		return nil
	}

	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			cfg.Auth.Keys = map[string]config.APIKeyEntry{tok: {Token: tok, Role: "admin", Label: "bootstrap"}}
			return nil
		}
	}

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	cfg.Auth.Keys = map[string]config.APIKeyEntry{token: {Token: token, Role: "admin", Label: "bootstrap"}}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		enc := json.NewEncoder(os.Stderr)
		_ = enc.Encode(map[string]string{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "ERROR",
			"msg":         "startup failure",
			"reason_code": reasonCode,
			"error":       message,
		})
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
