package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goware/urlx"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

var ResourceLibrary = "otel-demo-service"
var ResourceVersion = "dev"

type Options struct {
	Telemetry struct {
		Host     string            `long:"host" description:"the url of the collector to receive the telemetry (or honeycomb, local)" env:"OTEL_DEMO_HOST" default:"local"`
		Insecure bool              `long:"insecure" description:"use this for insecure http (not https) connections" yaml:",omitempty"`
		Dataset  string            `long:"dataset" description:"for honeycomb only, sends all traces to the given dataset" env:"HONEYCOMB_DATASET" default:"otel-demo"`
		APIKey   string            `long:"apikey" description:"the honeycomb API key(*)" env:"HONEYCOMB_API_KEY" yaml:"-"`
		Headers  map[string]string `long:"header" description:"extra header sent with every export, as key:value" yaml:",omitempty"`
	} `group:"Telemetry Options"`
	Output struct {
		Sender             string        `long:"sender" description:"type of sender" choice:"otel" choice:"honeycomb" choice:"print" choice:"dummy" default:"otel"`
		Protocol           string        `long:"protocol" description:"for otel only, protocol to use" choice:"grpc" choice:"http" default:"grpc"`
		MaxQueueSize       int           `long:"maxqueuesize" description:"for otel only, maximum number of spans to queue before dropping" default:"0" yaml:",omitempty"`
		MaxExportBatchSize int           `long:"maxexportbatchsize" description:"for otel only, maximum number of spans to export at once" default:"0" yaml:",omitempty"`
		BatchTimeout       time.Duration `long:"batchtimeout" description:"for otel only, maximum time to wait before sending a batch" default:"0s" yaml:",omitempty"`
		ExportTimeout      time.Duration `long:"exporttimeout" description:"for otel only, maximum time to wait for a batch to be sent" default:"0s" yaml:",omitempty"`
		FlushTimeout       time.Duration `long:"flushtimeout" description:"maximum time to spend flushing spans on shutdown" default:"5s"`
	} `group:"Output Options"`
	Control struct {
		ScenarioDir string        `long:"scenarios" description:"directory holding the scenario definitions" env:"OTEL_DEMO_SCENARIOS" default:"scenarios"`
		ControlDir  string        `long:"controldir" description:"directory for the per-scenario control records" env:"OTEL_DEMO_CONTROL_DIR" default:"."`
		RedisURL    string        `long:"redis" description:"keep control records in redis instead of files, e.g. redis://localhost:6379/0" env:"OTEL_DEMO_REDIS_URL" yaml:",omitempty"`
		Listen      string        `long:"listen" description:"address for the control API" env:"OTEL_DEMO_LISTEN" default:":8080"`
		Grace       time.Duration `long:"grace" description:"how long a stopped scenario gets to exit before it is killed" default:"5s"`
		SelfTrace   bool          `long:"selftrace" description:"trace the control plane itself through the configured collector" yaml:",omitempty"`
	} `group:"Control Options"`
	Run struct {
		Sessions int64         `long:"sessions" description:"the maximum number of sessions to simulate (0 means no limit)" default:"0" yaml:",omitempty"`
		RunTime  time.Duration `long:"runtime" description:"the maximum time to spend simulating (0 means no limit)" default:"0s" yaml:",omitempty"`
	} `group:"Run Options"`
	Global struct {
		LogLevel  string `long:"loglevel" description:"level of logging" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
		DebugPort int    `long:"debugport" description:"port to listen on for pprof(*)" default:"-1" yaml:"-"`
		Seed      string `long:"seed" description:"string seed for random number generator (defaults to a per-process seed)" yaml:",omitempty"`
		Config    string `long:"config" description:"name of config file to load(*)" default:"" yaml:"-"`
		WriteCfg  string `long:"writecfg" description:"write effective YAML config to the specified output file and quit(*)" default:"" yaml:"-"`
	} `group:"Global Options"`

	ServeCmd struct{} `command:"serve" description:"run the control API and supervise scenario processes" yaml:"-"`
	RunCmd   struct {
		Args struct {
			Definition string `positional-arg-name:"definition" required:"yes"`
		} `positional-args:"yes"`
	} `command:"run" description:"simulate one scenario until stopped" yaml:"-"`
	ValidateCmd struct {
		Args struct {
			Definitions []string `positional-arg-name:"definition"`
		} `positional-args:"yes"`
	} `command:"validate" description:"compile scenario definitions and list their patterns" yaml:"-"`

	apihost *url.URL
}

func newOptions() *Options {
	return &Options{}
}

// CopyStarredFieldsFrom copies the options that are never read from a config
// file, along with the command arguments.
func (o *Options) CopyStarredFieldsFrom(other *Options) {
	o.Telemetry.APIKey = other.Telemetry.APIKey
	o.Global.DebugPort = other.Global.DebugPort
	o.Global.Config = other.Global.Config
	o.Global.WriteCfg = other.Global.WriteCfg
	o.RunCmd = other.RunCmd
	o.ValidateCmd = other.ValidateCmd
}

// parses the host information and returns a cleaned-up version to make
// it easier to make sure that things are properly specified
func parseHost(host string, insecure bool, protocol string) (*url.URL, error) {
	switch host {
	case "honeycomb":
		host = "https://api.honeycomb.io:443"
	case "local":
		host = "http://localhost"
	default:
	}

	// if the scheme is not specified, fall back to the value of the insecure flag
	defaultScheme := "https"
	if insecure {
		defaultScheme = "http"
	}
	u, err := urlx.ParseWithDefaultScheme(host, defaultScheme)
	if err != nil {
		return nil, fmt.Errorf("unable to parse host %q: %w", host, err)
	}
	if u.Port() == "" {
		port := "4317" // default GRPC port
		if protocol == "http" {
			port = "4318"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

func ReadConfig(opts *Options, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	err = dec.Decode(opts)
	if err != nil {
		return err
	}
	log.Printf("read config from %s\n", filename)
	return nil
}

func WriteConfig(opts *Options, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigch:
			log.Warn("shutting down from operating system signal %v", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigch)
	}()
	return ctx, cancel
}

func main() {
	cmdopts := newOptions()

	parser := flags.NewParser(cmdopts, flags.Default)
	parser.Usage = `[OPTIONS] <serve | run | validate>

	otel-demo-service simulates distributed applications for observability demos.
	Each scenario describes a call graph of services; running it emits one trace
	per simulated request, in the identity of every service it passes through,
	with Kubernetes-like resource attributes.

	"serve" starts the control API. It discovers the scenario definitions in
	--scenarios and starts each scenario as a separate process on request. Fault
	patterns (latency, errors, escalating slowdowns) and the request rate can be
	switched at runtime; the running scenario picks them up on its next request.

	"run" simulates a single scenario in the foreground, reading its patterns and
	rate from the same control record. "validate" checks definitions.

	Span attributes in a definition can be a constant (sent as the appropriate type)
	or a generator function starting with /. Allowed generators are /i, /ir, /ig,
	/f, /fr, /fg, /s, /sx, /sw, /b and /e, optionally followed by a single number or
	a comma-separated pair of numbers.
	Example generators:
		- /s -- alphanumeric string of length 16
		- /sx32 -- hex string of 32 characters
		- /sw12 -- pronounceable words with cardinality 12
		- /ir1,5 -- int between 1 and 5 inclusive
		- /fg50,30 -- float in a gaussian distribution with mean 50 and stddev 30
		- /b33.3 -- boolean, true or false -- probability of true is 33.3% (default 50%)
		- /eEUR,USD,JPY -- one of the listed strings

	Options can be set in a config file, or on the command line; to specify them in the
	config file, specify it on the command line with "--config=FILENAME". The config file
	format is YAML; write one with "--writecfg=FILENAME".

	Note: If a config file is used, it MUST be used for all options, except for the ones
	marked in the help text with (*) -- these fields CANNOT be set in the config file.
	`

	// read the command line and envvars into cmdargs
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	opts := newOptions()
	if cmdopts.Global.Config != "" {
		if err := ReadConfig(opts, cmdopts.Global.Config); err != nil {
			log.Fatalf("err %v -- unable to read config file %s", err, cmdopts.Global.Config)
		}
		opts.CopyStarredFieldsFrom(cmdopts)
	} else {
		opts = cmdopts // we don't have to read from a file
	}

	if opts.Global.WriteCfg != "" {
		if err := WriteConfig(opts, opts.Global.WriteCfg); err != nil {
			log.Fatalf("unable to write config: %s\n", err)
		}
		log.Printf("wrote config to %s\n", opts.Global.WriteCfg)
		os.Exit(0)
	}

	lg := logger.New(opts.Global.LogLevel)
	defer logger.Sync(lg)

	if opts.Global.DebugPort > 0 {
		go func() {
			addr := fmt.Sprintf("localhost:%d", opts.Global.DebugPort)
			if err := http.ListenAndServe(addr, nil); err != nil {
				lg.Warn("pprof listener on %s: %v", addr, err)
			}
		}()
	}

	var err error
	opts.apihost, err = parseHost(opts.Telemetry.Host, opts.Telemetry.Insecure, opts.Output.Protocol)
	if err != nil {
		lg.Fatal("%v", err)
	}

	ctx, cancel := signalContext(lg)
	defer cancel()

	command := ""
	if parser.Active != nil {
		command = parser.Active.Name
	}
	switch command {
	case "serve":
		err = serve(ctx, lg, opts)
	case "run":
		err = run(ctx, lg, opts, opts.RunCmd.Args.Definition)
	case "validate":
		err = validate(os.Stdout, opts.validateTargets())
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		cancel()
		lg.Fatal("%s: %v", command, err)
	}
}

// validateTargets defaults to every definition in the scenario directory.
func (o *Options) validateTargets() []string {
	if len(o.ValidateCmd.Args.Definitions) > 0 {
		return o.ValidateCmd.Args.Definitions
	}
	return []string{strings.TrimSuffix(o.Control.ScenarioDir, "/")}
}
