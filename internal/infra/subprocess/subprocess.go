// Package subprocess runs external generation CLIs with independent idle and
// overall time budgets, classifying failures so upper layers can decide
// between retry, rotation, and surfacing.
package subprocess

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Config defines how to spawn and manage one external backend process.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
}

// Subprocess manages the lifecycle of a single backend process. It owns the
// stdout/stderr readers: cmd.Wait closes the pipes, so reaping must not start
// until both streams hit EOF or a fast-exiting child loses buffered output.
type Subprocess struct {
	cfg        Config
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	done       chan struct{}
	err        error
	pgid       int
	mu         sync.Mutex
	outBuf     strings.Builder
	errBuf     strings.Builder
	bufMu      sync.Mutex
	lastOutput atomic.Int64
}

// New creates a new Subprocess from the given config.
func New(cfg Config) *Subprocess {
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range s.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.done = make(chan struct{})
	s.lastOutput.Store(time.Now().UnixNano())

	var readers sync.WaitGroup
	readers.Add(2)
	go s.collect(stdout, &s.outBuf, &readers)
	go s.collect(stderr, &s.errBuf, &readers)

	// Both pipes must reach EOF before cmd.Wait may close them.
	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
	}()

	if cmd.Process != nil {
		s.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	return nil
}

func (s *Subprocess) collect(r io.Reader, sink *strings.Builder, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		s.lastOutput.Store(time.Now().UnixNano())
		s.bufMu.Lock()
		sink.WriteString(scanner.Text())
		sink.WriteByte('\n')
		s.bufMu.Unlock()
	}
}

// WriteStdin writes data to the process stdin.
func (s *Subprocess) WriteStdin(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	_, err := s.stdin.Write(data)
	return err
}

// CloseStdin signals end of input to the process.
func (s *Subprocess) CloseStdin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	err := s.stdin.Close()
	s.stdin = nil
	return err
}

// Streams returns everything collected from stdout and stderr so far.
// Complete only after Wait has returned.
func (s *Subprocess) Streams() (stdout, stderr string) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.outBuf.String(), s.errBuf.String()
}

// LastOutputAt reports when the process last wrote a line on either stream.
func (s *Subprocess) LastOutputAt() time.Time {
	return time.Unix(0, s.lastOutput.Load())
}

// Wait blocks until the process exits and both streams are fully drained,
// then returns the exit error, if any.
func (s *Subprocess) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop terminates the whole process group: SIGTERM first, SIGKILL after a
// short grace period. Already-exited processes are treated as success so
// repeated Stop calls never fail.
func (s *Subprocess) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	pgid := s.pgid
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return nil
	}
}

func (s *Subprocess) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// ExitCode returns the process exit code after Wait, or -1 when killed.
func (s *Subprocess) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}
