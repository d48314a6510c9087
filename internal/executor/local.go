package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/go-logr/logr"

	"apphost/internal/container"
)

// LocalExecutor runs the application command as a process on the host. The
// process is told its port through the PORT environment variable and
// requests are reverse-proxied to it.
type LocalExecutor struct {
	log logr.Logger
}

// NewLocalExecutor creates a local process executor.
func NewLocalExecutor(log logr.Logger) *LocalExecutor {
	return &LocalExecutor{log: log}
}

// Launch starts the process and waits until it listens on its port.
func (le *LocalExecutor) Launch(ctx context.Context, spec Spec) (container.Backend, error) {
	if len(spec.Runtime.Command) == 0 {
		return nil, fmt.Errorf("launch %s: no command configured", spec.Instance)
	}
	cmdPath, err := le.findBinary(spec.RootDir, spec.Runtime.Command[0])
	if err != nil {
		return nil, fmt.Errorf("find binary %q: %w", spec.Runtime.Command[0], err)
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}
	logFile, err := openLog(spec)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cmdPath, spec.Runtime.Command[1:]...)
	cmd.Dir = spec.RootDir
	cmd.Env = append(os.Environ(), spec.Runtime.Env...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	le.log.Info("process started", "context", spec.Instance, "pid", cmd.Process.Pid, "port", port)

	p := &process{cmd: cmd, logFile: logFile, exited: make(chan struct{}), log: le.log, instance: spec.Instance}
	go p.wait()

	addr := "127.0.0.1:" + strconv.Itoa(port)
	if err := waitForPort(ctx, addr, p.exited); err != nil {
		p.stop(context.Background())
		return nil, fmt.Errorf("launch %s: %w", spec.Instance, err)
	}
	return newProxyBackend(addr, p.stop), nil
}

// findBinary resolves a command relative to the app root when it is a path,
// otherwise through PATH.
func (le *LocalExecutor) findBinary(root, name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if !filepath.IsAbs(name) {
			name = filepath.Join(root, name)
		}
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	return exec.LookPath(name)
}

type process struct {
	cmd      *exec.Cmd
	logFile  *os.File
	exited   chan struct{}
	err      error
	log      logr.Logger
	instance string
	stopOnce sync.Once
}

func (p *process) wait() {
	p.err = p.cmd.Wait()
	close(p.exited)
	p.logFile.Close()
}

// stop sends SIGTERM and waits for the process to exit. It kills the
// process if ctx is done first.
func (p *process) stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			p.log.Error(sigErr, "signal process", "context", p.instance)
		}
		select {
		case <-p.exited:
		case <-ctx.Done():
			p.log.Info("process did not exit in time, killing", "context", p.instance, "pid", p.cmd.Process.Pid)
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("kill process: %w", killErr)
			}
			<-p.exited
		}
		p.log.V(1).Info("process stopped", "context", p.instance)
	})
	return err
}
