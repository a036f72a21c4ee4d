package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/server"
	"github.com/wolfgangB33r/otel-demo-service/internal/supervisor"
)

// childConfigName is written into the control directory and handed to every
// scenario process with --config, so children share the parent's settings.
const childConfigName = ".otel-demo-service.yaml"

// childLauncher re-executes this binary as `--config <file> run <definition>`.
// The API key never goes into the file; children get it from the environment.
func childLauncher(opts *Options) (supervisor.ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return supervisor.ExecLauncher{}, fmt.Errorf("locating own executable: %w", err)
	}
	if err := os.MkdirAll(opts.Control.ControlDir, 0o755); err != nil {
		return supervisor.ExecLauncher{}, fmt.Errorf("creating control directory: %w", err)
	}
	cfgPath := filepath.Join(opts.Control.ControlDir, childConfigName)
	if err := WriteConfig(opts, cfgPath); err != nil {
		return supervisor.ExecLauncher{}, fmt.Errorf("writing scenario config: %w", err)
	}
	var env []string
	if opts.Telemetry.APIKey != "" {
		env = append(env, "HONEYCOMB_API_KEY="+opts.Telemetry.APIKey)
	}
	return supervisor.ExecLauncher{
		Executable: exe,
		Args:       []string{"--config", cfgPath, "run"},
		Env:        env,
	}, nil
}

func serve(ctx context.Context, lg logger.Logger, opts *Options) error {
	shutdownTracing, err := setupSelfTrace(lg, opts)
	if err != nil {
		return fmt.Errorf("configuring self tracing: %w", err)
	}
	defer shutdownTracing()

	store, closeStore, err := newStore(lg, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	launcher, err := childLauncher(opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sup := supervisor.New(supervisor.Config{
		Dir:         opts.Control.ScenarioDir,
		Launcher:    launcher,
		Store:       store,
		Log:         lg.With("component", "supervisor"),
		GracePeriod: opts.Control.Grace,
		Registerer:  reg,
	})
	// scenario processes must not outlive the control plane
	defer sup.StopAll(context.Background())

	found := sup.Discover()
	names := make([]string, len(found))
	for i, sc := range found {
		names[i] = sc.Name
	}
	lg.Info("found %d scenarios in %s: %v", len(found), opts.Control.ScenarioDir, names)

	srv := server.New(sup, reg, lg.With("component", "api"))
	return srv.ListenAndServe(ctx, opts.Control.Listen)
}
