package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/patterns"
	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
	"github.com/wolfgangB33r/otel-demo-service/internal/scenario"
	"github.com/wolfgangB33r/otel-demo-service/internal/sender"
	"github.com/wolfgangB33r/otel-demo-service/internal/simulator"
)

const defaultFlushTimeout = 5 * time.Second

// newStore opens the control record backend; the returned func releases it.
func newStore(lg logger.Logger, opts *Options) (patterns.Store, func(), error) {
	if opts.Control.RedisURL != "" {
		store, err := patterns.NewRedisStoreFromURL(opts.Control.RedisURL, lg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				lg.Warn("closing redis store: %v", err)
			}
		}, nil
	}
	if err := os.MkdirAll(opts.Control.ControlDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating control directory: %w", err)
	}
	return patterns.NewFileStore(opts.Control.ControlDir, lg), func() {}, nil
}

func (o *Options) exportHeaders() map[string]string {
	headers := make(map[string]string, len(o.Telemetry.Headers)+2)
	for k, v := range o.Telemetry.Headers {
		headers[k] = v
	}
	if o.Telemetry.APIKey != "" {
		headers["x-honeycomb-team"] = o.Telemetry.APIKey
		headers["x-honeycomb-dataset"] = o.Telemetry.Dataset
	}
	return headers
}

func (o *Options) insecure() bool {
	return o.Telemetry.Insecure || o.apihost.Scheme == "http"
}

func newSender(ctx context.Context, lg logger.Logger, opts *Options, seed string) (sender.Sender, error) {
	switch opts.Output.Sender {
	case "dummy":
		return sender.NewDummy(lg), nil
	case "print":
		return sender.NewPrint(lg, os.Stdout, seed), nil
	case "honeycomb":
		return sender.NewHoneycomb(sender.HoneycombConfig{
			APIKey:  opts.Telemetry.APIKey,
			APIHost: opts.apihost.String(),
			Dataset: opts.Telemetry.Dataset,
			Debug:   opts.Global.LogLevel == "debug",
		}), nil
	case "otel":
		return sender.NewOTel(ctx, lg, sender.OTelConfig{
			Protocol:           opts.Output.Protocol,
			Endpoint:           opts.apihost.Host,
			Insecure:           opts.insecure(),
			Headers:            opts.exportHeaders(),
			BatchTimeout:       opts.Output.BatchTimeout,
			ExportTimeout:      opts.Output.ExportTimeout,
			MaxQueueSize:       opts.Output.MaxQueueSize,
			MaxExportBatchSize: opts.Output.MaxExportBatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown sender %q", opts.Output.Sender)
	}
}

// run simulates the scenario at path until ctx is done or a bound is hit,
// then flushes the sender.
// identitySeed derives the identity generator from the run seed and the
// scenario name, so two scenarios sharing a --seed still get distinct
// instance ids for services of the same name.
func identitySeed(seed, scenarioName string) *rng.Rng {
	return rng.New(seed + "/identity/" + scenarioName)
}

func run(ctx context.Context, lg logger.Logger, opts *Options, path string) error {
	graph, err := scenario.LoadGraph(path)
	if err != nil {
		return err
	}
	lg = lg.With("scenario", graph.Name)

	seed := opts.Global.Seed
	if seed == "" {
		seed = rng.ProcessSeed(graph.Name)
	}

	store, closeStore, err := newStore(lg, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	snd, err := newSender(ctx, lg, opts, seed)
	if err != nil {
		return err
	}

	lg.Info("host: %s, sender: %s, definition: %s, patterns: %v",
		opts.apihost.String(), opts.Output.Sender, filepath.Clean(path), graph.PatternNames())

	registry := identity.NewRegistry(graph.Placement, identitySeed(seed, graph.Name))
	sim := simulator.New(graph, registry, snd, store, rng.New(seed), lg)
	sim.Run(ctx, simulator.RunOptions{
		MaxSessions: opts.Run.Sessions,
		RunTime:     opts.Run.RunTime,
	})

	// ctx is usually cancelled by now
	timeout := opts.Output.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := snd.Flush(flushCtx); err != nil {
		lg.Warn("flushing spans: %v", err)
	}
	if err := snd.Close(flushCtx); err != nil {
		lg.Warn("closing sender: %v", err)
	}
	return nil
}
