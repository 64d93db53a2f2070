package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/audit"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/roles"
	"github.com/haasonsaas/toolgate/internal/router"
	"github.com/haasonsaas/toolgate/internal/server"
)

// quietLogger keeps warnings visible for offline commands without the
// serve path's full log surface.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// loadConfig reads the config file when given, falls back to the
// default search path, and overlays the environment either way.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if configPath == "" {
		cfg := &config.Config{}
		cfg.ApplyEnv()
		return cfg, nil
	}
	return config.Load(configPath)
}

// buildResolver assembles the identity resolver from the overlay file
// (when configured) plus the per-skill contributions in the manifest.
func buildResolver(cfg *config.Config, manifest *roles.Manifest, logger *slog.Logger) (*identity.Resolver, error) {
	var idCfg identity.Config
	switch {
	case cfg.Identity != nil:
		idCfg = *cfg.Identity
	case cfg.IdentityConfig != "":
		loaded, err := config.LoadIdentity(cfg.IdentityConfig)
		if err != nil {
			return nil, err
		}
		idCfg = *loaded
	default:
		idCfg = identity.Config{
			Version:     manifest.Version,
			DefaultRole: cfg.Router.DefaultRole,
		}
	}

	resolver := identity.NewResolver(idCfg, logger)
	resolver.LoadFromSkills(skillContributions(manifest))
	return resolver, nil
}

func skillContributions(manifest *roles.Manifest) map[string]identity.SkillIdentity {
	contributions := make(map[string]identity.SkillIdentity)
	for _, skill := range manifest.Skills {
		if skill.Identity != nil {
			contributions[skill.ID] = *skill.Identity
		}
	}
	return contributions
}

// runServe wires the whole gateway together and serves stdio until the
// client disconnects or a signal arrives.
func runServe(ctx context.Context, configPath string, debug bool, auditExport string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.SkillManifest == "" {
		return fmt.Errorf("no skill manifest configured (set skillManifest or %s)", config.EnvSkills)
	}

	// stdout carries protocol frames, so logs must go to stderr.
	cfg.Log.StdioTransport = true
	if debug {
		cfg.Log.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		AddSource:      cfg.Log.AddSource,
		Silent:         cfg.Log.Silent,
		StdioTransport: cfg.Log.StdioTransport,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := observability.NewBus(logger)

	var metrics *observability.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
		if cfg.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
		}
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Server.Name,
		ServiceVersion: version,
		Endpoint:       cfg.Trace.Endpoint,
		SamplingRate:   cfg.Trace.SamplingRate,
		EnableInsecure: cfg.Trace.Insecure,
	})

	manifest, err := config.LoadSkillManifest(cfg.SkillManifest)
	if err != nil {
		return err
	}
	manager := roles.NewManager(logger)
	if err := manager.LoadFromManifest(manifest); err != nil {
		return err
	}

	resolver, err := buildResolver(cfg, manifest, logger)
	if err != nil {
		return err
	}

	upstreams, err := config.ResolveUpstreams(cfg)
	if err != nil {
		return err
	}
	pool := mcp.NewPool(logger, bus)
	if err := pool.LoadFromConfig(upstreams); err != nil {
		return err
	}

	rt := router.New(cfg.Router, router.Deps{
		Identity: resolver,
		Roles:    manager,
		Pool:     pool,
		Logger:   logger,
		Bus:      bus,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	// A dead upstream at boot degrades the table rather than refusing the
	// whole session; its breaker keeps it out of routing until it heals.
	if err := rt.StartServers(ctx); err != nil {
		logger.Warn("some upstreams failed to start", "error", err)
	}

	rt.Limiter().StartReaper(ctx, 5*time.Minute, time.Hour)

	watcher := config.NewWatcher(cfg.SkillManifest, 0, logger)
	if err := watcher.Start(ctx, func() {
		reloaded, err := config.LoadSkillManifest(cfg.SkillManifest)
		if err != nil {
			logger.Warn("skill manifest reload failed, keeping current catalogue", "error", err)
			return
		}
		if err := rt.ReloadRoles(ctx, reloaded); err != nil {
			logger.Warn("role catalogue reload failed", "error", err)
			return
		}
		resolver.LoadFromSkills(skillContributions(reloaded))
	}); err != nil {
		logger.Warn("skill manifest watch unavailable", "error", err)
	}

	srv := server.New(server.Config{Name: cfg.Server.Name, Version: version}, rt, logger)

	logger.Info("gateway starting",
		"version", version,
		"skills", len(manifest.Skills),
		"roles", len(manager.RoleIDs()),
		"upstreams", len(upstreams))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var serveErr error
	select {
	case serveErr = <-done:
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	}

	watcher.Close()
	if err := rt.StopServers(); err != nil {
		logger.Warn("upstream shutdown", "error", err)
	}

	if auditExport != "" {
		if err := exportAudit(rt, auditExport); err != nil {
			logger.Warn("audit export failed", "error", err)
		} else {
			logger.Info("audit log exported", "path", auditExport)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}

	return serveErr
}

func exportAudit(rt *router.Router, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// An explicit limit covers the whole ring; a zero limit would apply
	// the default page size.
	return rt.Audit().ExportJSON(f, audit.Query{Limit: rt.Audit().Len()})
}

// runRoles prints the role catalogue a skill manifest derives.
func runRoles(cmd *cobra.Command, configPath, skillsPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if skillsPath == "" {
		skillsPath = cfg.SkillManifest
	}
	if skillsPath == "" {
		return fmt.Errorf("no skill manifest given (use --skills or set %s)", config.EnvSkills)
	}

	manifest, err := config.LoadSkillManifest(skillsPath)
	if err != nil {
		return err
	}
	manager := roles.NewManager(quietLogger())
	if err := manager.LoadFromManifest(manifest); err != nil {
		return err
	}

	summaries := manager.ListRoles(roles.ListOptions{IncludeInactive: true}, "")
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(summaries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSERVERS\tSKILLS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, joinOrDash(s.Servers), joinOrDash(s.Skills))
	}
	return w.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, item := range items[1:] {
		out += "," + item
	}
	return out
}

// runValidate loads every configured surface and reports the first
// problem, or a summary when everything checks out.
func runValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	skills := 0
	rolesCount := 0
	if cfg.SkillManifest != "" {
		manifest, err := config.LoadSkillManifest(cfg.SkillManifest)
		if err != nil {
			return err
		}
		skills = len(manifest.Skills)
		manager := roles.NewManager(quietLogger())
		if err := manager.LoadFromManifest(manifest); err != nil {
			return err
		}
		rolesCount = len(manager.RoleIDs())
	}

	if cfg.IdentityConfig != "" {
		if _, err := config.LoadIdentity(cfg.IdentityConfig); err != nil {
			return err
		}
	}

	upstreams, err := config.ResolveUpstreams(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "ok: %d skills, %d roles, %d upstream servers\n", skills, rolesCount, len(upstreams))
	return nil
}
