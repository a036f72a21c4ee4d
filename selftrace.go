package main

import (
	"github.com/honeycombio/otel-config-go/otelconfig"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

// setupSelfTrace points the global tracer provider at the configured
// collector, so that the supervisor's own start and stop spans are exported
// next to the simulated traffic. Without --selftrace the global provider stays
// a no-op.
func setupSelfTrace(lg logger.Logger, opts *Options) (func(), error) {
	if !opts.Control.SelfTrace {
		return func() {}, nil
	}

	protocol := otelconfig.ProtocolGRPC
	endpoint := opts.apihost.Host
	if opts.Output.Protocol == "http" {
		protocol = otelconfig.ProtocolHTTPProto
		endpoint = opts.apihost.String()
	}
	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(ResourceLibrary),
		otelconfig.WithServiceVersion(ResourceVersion),
		otelconfig.WithExporterProtocol(protocol),
		otelconfig.WithExporterEndpoint(endpoint),
		otelconfig.WithExporterInsecure(opts.insecure()),
		otelconfig.WithHeaders(opts.exportHeaders()),
		otelconfig.WithMetricsEnabled(false),
	)
	if err != nil {
		return nil, err
	}
	lg.Info("self tracing to %s as %s", endpoint, ResourceLibrary)
	return shutdown, nil
}
