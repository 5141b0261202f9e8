package client

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// RunConfig holds the configuration for launching a subprocess with secret masking.
type RunConfig struct {
	Command string
	Args    []string
	Env     []string
	Secrets []string // Secret values to mask in stdout/stderr
}

// Run launches a subprocess with masked stdout/stderr, forwarding signals.
// Returns the child process exit code.
func Run(cfg RunConfig) (int, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Stdin = os.Stdin

	stdoutMasker := NewMaskingWriter(os.Stdout, cfg.Secrets)
	stderrMasker := NewMaskingWriter(os.Stderr, cfg.Secrets)
	cmd.Stdout = stdoutMasker
	cmd.Stderr = stderrMasker

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start command: %w", err)
	}

	go func() {
		for sig := range sigCh {
			_ = cmd.Process.Signal(sig)
		}
	}()

	err := cmd.Wait()

	_ = stdoutMasker.Flush()
	_ = stderrMasker.Flush()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("wait command: %w", err)
	}

	return 0, nil
}
