package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// defaultExitGrace is how long Close waits for the process after closing
// its stdin before killing it.
const defaultExitGrace = 2 * time.Second

// ProcessConfig describes the kernel process to spawn.
type ProcessConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string // appended to the inherited environment
	Logger     *slog.Logger
	ExitGrace  time.Duration
}

// ProcessChannel is a StreamChannel over a child process's stdio.
//
// stdin and stdout carry protocol lines; each stderr line is logged. The
// handshake is always enabled: commands are refused until the process
// announces KernelReady.
type ProcessChannel struct {
	*StreamChannel

	cmd       *exec.Cmd
	logger    *slog.Logger
	grace     time.Duration
	exited    chan struct{}
	exitErr   error
	closeOnce sync.Once
}

// StartProcess spawns the process and starts pumping its output.
// Subscribers added after StartProcess may miss the earliest envelopes; use
// WaitForReady to obtain the KernelReady event.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessChannel, error) {
	if cfg.Command == "" {
		return nil, errors.New("process channel: command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ExitGrace
	if grace <= 0 {
		grace = defaultExitGrace
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logger.Info("kernel process started", "command", cfg.Command, "pid", cmd.Process.Pid)

	pc := &ProcessChannel{
		StreamChannel: NewStreamChannel(stdout, stdin,
			WithHandshake(),
			WithLogger(logger),
			WithCloser(stdin)),
		cmd:    cmd,
		logger: logger,
		grace:  grace,
		exited: make(chan struct{}),
	}

	var pipes sync.WaitGroup
	pipes.Add(1)
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info("kernel stderr", "pid", cmd.Process.Pid, "line", scanner.Text())
		}
		// Keep draining after an overlong line so the kernel never blocks
		// writing to stderr.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	pc.StreamChannel.Start()

	go func() {
		// Wait must not run before the pipes are drained.
		<-pc.pumpDone
		pipes.Wait()
		pc.exitErr = cmd.Wait()
		logger.Info("kernel process exited", "pid", cmd.Process.Pid, "error", pc.exitErr)
		pc.shutdown(fmt.Errorf("kernel process exited: %w", exitCause(pc.exitErr)))
		close(pc.exited)
	}()

	return pc, nil
}

// Exited is closed once the process has been reaped.
func (p *ProcessChannel) Exited() <-chan struct{} {
	return p.exited
}

// Close closes stdin, waits for the process to exit, and kills it after the
// grace period.
func (p *ProcessChannel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.StreamChannel.Close()

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("kernel process did not exit, killing", "pid", p.cmd.Process.Pid)
			if killErr := p.cmd.Process.Kill(); killErr != nil && err == nil {
				err = killErr
			}
			<-p.exited
		}
	})
	return err
}

func exitCause(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}
