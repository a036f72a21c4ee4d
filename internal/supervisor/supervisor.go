// Package supervisor starts, stops and tracks scenario processes. Each
// running scenario is an independent OS process in its own process group;
// the supervisor talks to it only through the pattern store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/patterns"
	"github.com/wolfgangB33r/otel-demo-service/internal/procutil"
	"github.com/wolfgangB33r/otel-demo-service/internal/scenario"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrAlreadyRunning  = errors.New("scenario already running")
	ErrNotRunning      = errors.New("scenario not running")
	ErrSpawn           = errors.New("failed to start scenario")
	ErrInvalidScenario = errors.New("invalid scenario definition")
)

const (
	DefaultGracePeriod         = 5 * time.Second
	DefaultShutdownGracePeriod = 2 * time.Second
	DefaultOutputLimit         = 64 * 1024
)

// Scenario is a discovered definition file.
type Scenario struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Status is the externally visible state of one scenario.
type Status struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	// StartedAt is set while the process is running.
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type StopMode string

const (
	ModeStopped StopMode = "stopped"
	ModeKilled  StopMode = "killed"
)

type Started struct {
	Scenario Scenario
	PID      int
}

type Stopped struct {
	Scenario string
	Mode     StopMode
}

type Config struct {
	// Dir holds the scenario definitions.
	Dir      string
	Launcher Launcher
	Store    patterns.Store
	Log      logger.Logger
	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// ShutdownGracePeriod is the same for StopAll.
	ShutdownGracePeriod time.Duration
	OutputLimit         int
	// Registerer receives the supervisor's metrics; nil means a private registry.
	Registerer prometheus.Registerer
	// Clock drives start times and grace timers; nil means the real clock.
	Clock clockwork.Clock
}

// Supervisor owns the map of running scenarios. One mutex serialises every
// start, stop and status call, so at most one process runs per name. A
// second one serialises read-modify-writes of the control records.
type Supervisor struct {
	mut     sync.Mutex
	ctlMut  sync.Mutex
	cfg     Config
	clock   clockwork.Clock
	running map[string]*process
	metrics *metrics
	tracer  trace.Tracer
	log     logger.Logger
}

func New(cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:     cfg,
		clock:   cfg.Clock,
		running: make(map[string]*process),
		metrics: newMetrics(cfg.Registerer),
		tracer:  otel.Tracer("github.com/wolfgangB33r/otel-demo-service/internal/supervisor"),
		log:     cfg.Log,
	}
}

// Discover lists the definition files in the scenario directory, sorted by
// name. It reads the directory on every call. When two files share a stem the
// first in directory order wins.
func (s *Supervisor) Discover() []Scenario {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("reading scenario directory %s: %v", s.cfg.Dir, err)
		}
		return nil
	}
	seen := make(map[string]bool, len(entries))
	var found []Scenario
	for _, e := range entries {
		if e.IsDir() || !scenario.IsDefinitionFile(e.Name()) {
			continue
		}
		name := scenario.NameFromPath(e.Name())
		if seen[name] {
			continue
		}
		seen[name] = true
		found = append(found, Scenario{Name: name, Path: filepath.Join(s.cfg.Dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found
}

func (s *Supervisor) lookup(name string) (Scenario, error) {
	for _, sc := range s.Discover() {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
}

func (s *Supervisor) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "supervisor."+op, trace.WithAttributes(attribute.String("scenario.name", name)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// aliveLocked counts live processes and refreshes the gauge.
func (s *Supervisor) aliveLocked() int {
	n := 0
	for _, p := range s.running {
		if p.alive() {
			n++
		}
	}
	s.metrics.running.Set(float64(n))
	return n
}

// Start launches the named scenario. A previous entry whose process has
// already exited is discarded first.
func (s *Supervisor) Start(ctx context.Context, name string) (started Started, err error) {
	_, span := s.startSpan(ctx, "start", name)
	defer func() { endSpan(span, err) }()

	s.mut.Lock()
	defer s.mut.Unlock()

	sc, err := s.lookup(name)
	if err != nil {
		s.metrics.starts.WithLabelValues("unknown").Inc()
		return Started{}, err
	}
	if p, ok := s.running[name]; ok {
		if p.alive() {
			s.metrics.starts.WithLabelValues("already_running").Inc()
			return Started{}, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, p.pid)
		}
		s.log.Info("discarding exited scenario %s (pid %d): %v", name, p.pid, p.err)
		delete(s.running, name)
	}

	cmd := s.cfg.Launcher.Command(sc)
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	procutil.SetOptNewProcessGroup(cmd.SysProcAttr)
	out := newTailBuffer(s.cfg.OutputLimit)
	cmd.Stdout = out
	cmd.Stderr = out
	// grandchildren holding the output pipe must not block reaping forever
	cmd.WaitDelay = s.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		s.metrics.starts.WithLabelValues("error").Inc()
		s.log.Error("starting scenario %s: %v", name, err)
		return Started{}, fmt.Errorf("%w %s: %v", ErrSpawn, name, err)
	}

	p := &process{
		scenario:  sc,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: s.clock.Now(),
		output:    out,
		done:      make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	s.running[name] = p
	s.metrics.starts.WithLabelValues("started").Inc()
	s.aliveLocked()
	span.SetAttributes(attribute.Int("process.pid", p.pid))
	s.log.Info("started scenario %s with pid %d", name, p.pid)
	return Started{Scenario: sc, PID: p.pid}, nil
}

// Stop terminates the named scenario's process group, escalating to SIGKILL
// after the grace period. A tracked process that already exited is forgotten
// and reported as not running.
func (s *Supervisor) Stop(ctx context.Context, name string) (stopped Stopped, err error) {
	_, span := s.startSpan(ctx, "stop", name)
	defer func() { endSpan(span, err) }()

	s.mut.Lock()
	defer s.mut.Unlock()

	p, ok := s.running[name]
	if !ok {
		return Stopped{}, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	if !p.alive() {
		delete(s.running, name)
		s.aliveLocked()
		s.log.Info("scenario %s (pid %d) had already exited: %v", name, p.pid, p.err)
		return Stopped{}, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	mode := s.stopLocked(name, p, s.cfg.GracePeriod)
	span.SetAttributes(attribute.String("stop.mode", string(mode)))
	return Stopped{Scenario: name, Mode: mode}, nil
}

func (s *Supervisor) stopLocked(name string, p *process, grace time.Duration) StopMode {
	mode := ModeStopped
	if err := procutil.TerminateProcessGroup(p.cmd); err != nil {
		s.log.Warn("sending SIGTERM to scenario %s (pid %d): %v", name, p.pid, err)
	}
	select {
	case <-p.done:
	case <-s.clock.After(grace):
		s.log.Warn("scenario %s (pid %d) did not exit within %s, killing it", name, p.pid, grace)
		procutil.KillProcessGroup(p.cmd)
		mode = ModeKilled
		select {
		case <-p.done:
		case <-s.clock.After(grace):
			s.log.Error("scenario %s (pid %d) survived SIGKILL", name, p.pid)
		}
	}
	delete(s.running, name)
	s.metrics.stops.WithLabelValues(string(mode)).Inc()
	s.aliveLocked()
	s.log.Info("%s scenario %s (pid %d)", mode, name, p.pid)
	return mode
}

// Status merges discovery with the tracked processes. Exited processes show
// as not running but stay tracked until the next Start or Stop.
func (s *Supervisor) Status() map[string]Status {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := make(map[string]Status)
	for _, sc := range s.Discover() {
		out[sc.Name] = Status{Name: sc.Name, Path: sc.Path}
	}
	for name, p := range s.running {
		st, ok := out[name]
		if !ok {
			// the definition was removed while the process kept running
			st = Status{Name: name, Path: p.scenario.Path}
		}
		if p.alive() {
			startedAt := p.startedAt
			st.Running = true
			st.PID = p.pid
			st.StartedAt = &startedAt
		}
		out[name] = st
	}
	s.aliveLocked()
	return out
}

// Health returns the number of live scenario processes.
func (s *Supervisor) Health() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.aliveLocked()
}

// Output returns the captured tail of a tracked process's stdout and stderr.
func (s *Supervisor) Output(name string) ([]byte, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	p, ok := s.running[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	return p.output.Bytes(), nil
}

// Patterns returns the control record of any discovered scenario.
func (s *Supervisor) Patterns(ctx context.Context, name string) (patterns.State, error) {
	if _, err := s.lookup(name); err != nil {
		return patterns.State{}, err
	}
	return s.cfg.Store.Load(ctx, name), nil
}

// SetPattern switches a fault pattern for a scenario, running or not. The
// pattern must be declared by the scenario's definition.
func (s *Supervisor) SetPattern(ctx context.Context, name, pattern string, enabled bool) (state patterns.State, err error) {
	ctx, span := s.startSpan(ctx, "set_pattern", name)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("pattern.name", pattern), attribute.Bool("pattern.enabled", enabled))

	sc, err := s.lookup(name)
	if err != nil {
		return patterns.State{}, err
	}
	graph, err := scenario.LoadGraph(sc.Path)
	if err != nil {
		return patterns.State{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if _, ok := graph.Pattern(pattern); !ok {
		return patterns.State{}, fmt.Errorf("%w: scenario %s has no pattern %q (known: %v)",
			patterns.ErrInvalidPattern, name, pattern, graph.PatternNames())
	}

	s.ctlMut.Lock()
	defer s.ctlMut.Unlock()
	state, err = patterns.SetPattern(ctx, s.cfg.Store, name, pattern, enabled)
	if err != nil {
		return patterns.State{}, err
	}
	s.log.Info("scenario %s: pattern %s set to %v", name, pattern, enabled)
	return state, nil
}

// SetRate changes a scenario's requests per minute, clamped to [1, 1000].
func (s *Supervisor) SetRate(ctx context.Context, name string, rpm int) (state patterns.State, err error) {
	ctx, span := s.startSpan(ctx, "set_rate", name)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("rpm", rpm))

	if _, err := s.lookup(name); err != nil {
		return patterns.State{}, err
	}

	s.ctlMut.Lock()
	defer s.ctlMut.Unlock()
	state, err = patterns.SetRPM(ctx, s.cfg.Store, name, rpm)
	if err != nil {
		return patterns.State{}, err
	}
	s.log.Info("scenario %s: rpm set to %d", name, state.RPM)
	return state, nil
}

// StopAll stops every live scenario with the shutdown grace period. It is
// called when the control plane exits.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mut.Lock()
	defer s.mut.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := s.running[name]
		if !p.alive() {
			delete(s.running, name)
			continue
		}
		s.stopLocked(name, p, s.cfg.ShutdownGracePeriod)
	}
	s.aliveLocked()
}
