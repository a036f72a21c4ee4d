//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/patterns"
)

const (
	// exits promptly on SIGTERM
	politeScript = `trap 'exit 0' TERM; echo started; while true; do sleep 1; done`
	// ignores SIGTERM, and so do its children
	stubbornScript = `trap '' TERM; echo started; while true; do sleep 1; done`
	crashScript    = `echo boom >&2; exit 3`

	definition = `
patterns:
  - {name: timeout, effect: error, probability: 0.1}
  - {name: slow, effect: latency, latency: 10ms}
nodes:
  - {name: demo, faults: [timeout, slow]}
`
)

type fixture struct {
	sup      *Supervisor
	dir      string
	reg      *prometheus.Registry
	clock    clockwork.FakeClock
	store    patterns.Store
	mut      sync.Mutex
	scripts  map[string]string
	launches map[string]int
}

func newFixture(t *testing.T, scripts map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		dir:      filepath.Join(t.TempDir(), "scenarios"),
		reg:      prometheus.NewRegistry(),
		clock:    clockwork.NewFakeClock(),
		scripts:  scripts,
		launches: make(map[string]int),
	}
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	for name := range scripts {
		f.writeDefinition(t, name+".yaml")
	}
	f.store = patterns.NewFileStore(t.TempDir(), logger.NewNop())
	f.sup = New(Config{
		Dir:         f.dir,
		Launcher:    LauncherFunc(f.command),
		Store:       f.store,
		Log:         logger.NewNop(),
		GracePeriod: time.Minute,
		Registerer:  f.reg,
		Clock:       f.clock,
	})
	t.Cleanup(func() { f.sup.StopAll(context.Background()) })
	return f
}

func (f *fixture) writeDefinition(t *testing.T, file string) {
	t.Helper()
	f.writeDefinitionWith(t, file, definition)
}

func (f *fixture) writeDefinitionWith(t *testing.T, file, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, file), []byte(doc), 0o644))
}

func (f *fixture) command(sc Scenario) *exec.Cmd {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.launches[sc.Name]++
	return exec.Command("/bin/sh", "-c", f.scripts[sc.Name])
}

func (f *fixture) launchCount(name string) int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.launches[name]
}

func TestDiscover(t *testing.T) {
	f := newFixture(t, nil)
	f.writeDefinition(t, "single.yaml")
	f.writeDefinition(t, "astroshop.yml")
	f.writeDefinition(t, "_template.yaml")
	f.writeDefinition(t, ".hidden.yaml")
	f.writeDefinition(t, "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "nested.yaml"), 0o755))

	found := f.sup.Discover()
	require.Len(t, found, 2)
	assert.Equal(t, "astroshop", found[0].Name)
	assert.Equal(t, filepath.Join(f.dir, "astroshop.yml"), found[0].Path)
	assert.Equal(t, "single", found[1].Name)

	// never cached
	f.writeDefinition(t, "late.yaml")
	assert.Len(t, f.sup.Discover(), 3)
}

func TestDiscoverMissingDirectory(t *testing.T) {
	sup := New(Config{Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Empty(t, sup.Discover())
	assert.Empty(t, sup.Status())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	ctx := context.Background()

	started, err := f.sup.Start(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", started.Scenario.Name)
	assert.Positive(t, started.PID)

	st := f.sup.Status()["demo"]
	assert.True(t, st.Running)
	assert.Equal(t, started.PID, st.PID)
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, f.clock.Now(), *st.StartedAt)
	assert.Equal(t, 1, f.sup.Health())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.running))

	require.Eventually(t, func() bool {
		out, err := f.sup.Output("demo")
		return err == nil && string(out) == "started\n"
	}, 2*time.Second, 10*time.Millisecond)

	stopped, err := f.sup.Stop(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, Stopped{Scenario: "demo", Mode: ModeStopped}, stopped)

	st = f.sup.Status()["demo"]
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.Nil(t, st.StartedAt)
	assert.Equal(t, 0, f.sup.Health())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.stops.WithLabelValues("stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.starts.WithLabelValues("started")))
}

func TestStopWhenNotRunning(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	_, err := f.sup.Stop(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = f.sup.Stop(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartUnknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.sup.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.starts.WithLabelValues("unknown")))
}

func TestDuplicateStartDoesNotSpawn(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	ctx := context.Background()

	first, err := f.sup.Start(ctx, "demo")
	require.NoError(t, err)
	_, err = f.sup.Start(ctx, "demo")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, f.launchCount("demo"))
	assert.Equal(t, first.PID, f.sup.Status()["demo"].PID)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.Start(ctx, "demo")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.launchCount("demo"))
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t, map[string]string{"stubborn": stubbornScript})
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "stubborn")
	require.NoError(t, err)
	// let the shell install its trap
	require.Eventually(t, func() bool {
		out, _ := f.sup.Output("stubborn")
		return len(out) > 0
	}, 2*time.Second, 10*time.Millisecond)

	type result struct {
		stopped Stopped
		err     error
	}
	res := make(chan result, 1)
	go func() {
		stopped, err := f.sup.Stop(ctx, "stubborn")
		res <- result{stopped, err}
	}()

	// SIGTERM is ignored, so Stop waits out the grace period
	f.clock.BlockUntil(1)
	select {
	case <-res:
		t.Fatal("Stop returned before the grace period elapsed")
	case <-time.After(100 * time.Millisecond):
	}
	f.clock.Advance(time.Minute)

	var r result
	select {
	case r = <-res:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not kill the process")
	}
	require.NoError(t, r.err)
	assert.Equal(t, ModeKilled, r.stopped.Mode)
	assert.False(t, f.sup.Status()["stubborn"].Running)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.stops.WithLabelValues("killed")))
}

func TestExitedProcess(t *testing.T) {
	f := newFixture(t, map[string]string{"crash": crashScript})
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "crash")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !f.sup.Status()["crash"].Running
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.sup.Health())

	// still tracked, so its output is available
	out, err := f.sup.Output("crash")
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(out))

	// an exited entry does not block a restart
	_, err = f.sup.Start(ctx, "crash")
	require.NoError(t, err)
	assert.Equal(t, 2, f.launchCount("crash"))

	require.Eventually(t, func() bool {
		return f.sup.Health() == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, err = f.sup.Stop(ctx, "crash")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = f.sup.Output("crash")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	f.sup.cfg.Launcher = ExecLauncher{Executable: filepath.Join(t.TempDir(), "does-not-exist")}

	_, err := f.sup.Start(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrSpawn)
	assert.False(t, f.sup.Status()["demo"].Running)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sup.metrics.starts.WithLabelValues("error")))
}

func TestExecLauncherAppendsPath(t *testing.T) {
	l := ExecLauncher{Executable: "/usr/bin/demo", Args: []string{"--config", "c.yaml", "run"}, Env: []string{"A=b"}}
	cmd := l.Command(Scenario{Name: "single", Path: "scenarios/single.yaml"})
	assert.Equal(t, []string{"/usr/bin/demo", "--config", "c.yaml", "run", "scenarios/single.yaml"}, cmd.Args)
	assert.Contains(t, cmd.Env, "A=b")
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, map[string]string{"a": politeScript, "b": politeScript})
	ctx := context.Background()
	_, err := f.sup.Start(ctx, "a")
	require.NoError(t, err)
	_, err = f.sup.Start(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, f.sup.Health())

	f.sup.StopAll(ctx)
	assert.Equal(t, 0, f.sup.Health())
	for _, st := range f.sup.Status() {
		assert.False(t, st.Running)
	}
}

func TestPatternControl(t *testing.T) {
	f := newFixture(t, map[string]string{"demo": politeScript})
	ctx := context.Background()

	state, err := f.sup.SetPattern(ctx, "demo", "timeout", true)
	require.NoError(t, err)
	assert.True(t, state.Enabled("timeout"))

	state, err = f.sup.SetRate(ctx, "demo", 5000)
	require.NoError(t, err)
	assert.Equal(t, patterns.MaxRPM, state.RPM)
	assert.True(t, state.Enabled("timeout"))

	got, err := f.sup.Patterns(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, patterns.MaxRPM, got.RPM)
	assert.Equal(t, []string{"timeout"}, got.Active())

	_, err = f.sup.SetPattern(ctx, "demo", "rpm", true)
	assert.ErrorIs(t, err, patterns.ErrInvalidPattern)
	_, err = f.sup.SetPattern(ctx, "demo", "not_declared", true)
	assert.ErrorIs(t, err, patterns.ErrInvalidPattern)
	assert.NotContains(t, f.store.Load(ctx, "demo").Patterns, "not_declared")

	f.writeDefinitionWith(t, "broken.yaml", "nodes: [{name: a, faults: [x]}]\n")
	_, err = f.sup.SetPattern(ctx, "broken", "x", true)
	assert.ErrorIs(t, err, ErrInvalidScenario)
	_, err = f.sup.SetPattern(ctx, "nope", "timeout", true)
	assert.ErrorIs(t, err, ErrUnknownScenario)
	_, err = f.sup.SetRate(ctx, "nope", 10)
	assert.ErrorIs(t, err, ErrUnknownScenario)
	_, err = f.sup.Patterns(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestConcurrentPatternTogglesKeepEveryKey(t *testing.T) {
	f := newFixture(t, nil)
	const n = 8
	doc := "patterns:\n"
	faults := make([]string, n)
	for i := 0; i < n; i++ {
		faults[i] = fmt.Sprintf("p%d", i)
		doc += fmt.Sprintf("  - {name: p%d, effect: error}\n", i)
	}
	doc += fmt.Sprintf("nodes:\n  - {name: a, faults: [%s]}\n", strings.Join(faults, ", "))
	f.writeDefinitionWith(t, "busy.yaml", doc)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		enabled := round%2 == 0
		var wg sync.WaitGroup
		for _, p := range faults {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				_, err := f.sup.SetPattern(ctx, "busy", p, enabled)
				assert.NoError(t, err)
			}(p)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.SetRate(ctx, "busy", 60+round)
			assert.NoError(t, err)
		}()
		wg.Wait()

		state := f.store.Load(ctx, "busy")
		assert.Equal(t, 60+round, state.RPM)
		for _, p := range faults {
			on, ok := state.Patterns[p]
			assert.True(t, ok, "round %d lost %s", round, p)
			assert.Equal(t, enabled, on, "round %d: %s", round, p)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", string(b.Bytes()))
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "56789", string(b.Bytes()))
}
