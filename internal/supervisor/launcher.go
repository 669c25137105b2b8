package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dyluth/paddock/pkg/wire"
)

// Process is a launched OS-level process (or container) as seen by the
// supervisor: it either runs or has exited, and it can be stopped.
type Process interface {
	// Done is closed when the process has exited, for any reason.
	Done() <-chan struct{}

	// Stop requests graceful shutdown and escalates to a forced kill after
	// the grace timeout. It returns once the process is gone; no orphaned
	// process remains after return. Safe to call on an exited process.
	Stop(ctx context.Context, grace time.Duration) error
}

// Launcher starts the external processes that constitute an environment
// instance. Implementations: ExecLauncher (host processes) and
// DockerLauncher (containers).
type Launcher interface {
	Start(ctx context.Context, instanceName string, spec wire.ProcessSpec) (Process, error)
}

// ExecLauncher launches process descriptors as host OS processes.
// The zero value is ready to use.
type ExecLauncher struct {
	// RedisAddr is passed to children as PADDOCK_REDIS_ADDR so controller
	// processes can reach the control bus.
	RedisAddr string
}

// Start spawns the descriptor's command. The child inherits the parent
// environment plus PADDOCK_INSTANCE, PADDOCK_PROCESS and PADDOCK_REDIS_ADDR.
func (l *ExecLauncher) Start(ctx context.Context, instanceName string, spec wire.ProcessSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("process %q: exec launcher requires a command", spec.Name)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PADDOCK_INSTANCE=%s", instanceName),
		fmt.Sprintf("PADDOCK_PROCESS=%s", spec.Name),
		fmt.Sprintf("PADDOCK_REDIS_ADDR=%s", l.RedisAddr),
	)
	cmd.Env = append(cmd.Env, spec.Env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process %q: %w", spec.Name, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Stop sends SIGTERM, waits out the grace timeout, then SIGKILLs.
func (p *execProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return // already exited
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Process may have exited between the check and the signal.
			select {
			case <-p.done:
				return
			default:
			}
			p.stopErr = fmt.Errorf("failed to signal process: %w", err)
		}

		select {
		case <-p.done:
			return
		case <-time.After(grace):
		case <-ctx.Done():
		}

		if err := p.cmd.Process.Kill(); err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			p.stopErr = fmt.Errorf("failed to kill process: %w", err)
			return
		}
		<-p.done
	})
	return p.stopErr
}
