package hypervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one hypervisor CLI invocation. The exec implementation is
// replaced by a fake in tests.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout string, err error)
}

type execRunner struct {
	binary  string
	timeout time.Duration
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		// Partial stdout still gets returned; some verbs print useful
		// output before failing.
		return stdout.String(), &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Cause:    err,
		}
	}
	return stdout.String(), nil
}

type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *CommandError) Error() string {
	verb := ""
	if len(e.Args) > 0 {
		verb = e.Args[0]
	}
	return fmt.Sprintf("hypervisor %s failed (exit %d): %s", verb, e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Cause }

// Transient reports whether the failure is worth retrying; anything else
// (bad template path, out of disk) surfaces immediately.
func (e *CommandError) Transient() bool {
	msg := strings.ToLower(e.Stderr)
	for _, marker := range []string{"busy", "locked", "lock", "temporar", "timed out", "try again"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
