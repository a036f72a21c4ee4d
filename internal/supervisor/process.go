package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// Launcher builds the command that runs one scenario. The supervisor owns the
// command's process attributes and output.
type Launcher interface {
	Command(sc Scenario) *exec.Cmd
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(sc Scenario) *exec.Cmd

func (f LauncherFunc) Command(sc Scenario) *exec.Cmd {
	return f(sc)
}

// ExecLauncher runs `Executable Args... <definition path>`.
type ExecLauncher struct {
	Executable string
	Args       []string
	// Env is appended to the supervisor's own environment.
	Env []string
}

func (l ExecLauncher) Command(sc Scenario) *exec.Cmd {
	args := append(append([]string{}, l.Args...), sc.Path)
	cmd := exec.Command(l.Executable, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	return cmd
}

// process is a launched scenario. done is closed once the process has been
// reaped; err holds its exit error after that.
type process struct {
	scenario  Scenario
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *tailBuffer
	done      chan struct{}
	err       error
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mut   sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]byte(nil), t.buf...)
}
