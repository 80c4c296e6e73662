package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/csai/vm-range-controller/internal/config"
)

// ErrBootTimeout is returned by WaitForAddress when the guest never reports
// a usable address within the configured window.
var ErrBootTimeout = errors.New("vm boot timeout")

const guestIPProperty = "/VirtualBox/GuestInfo/Net/0/V4/IP"

// Adapter drives the external virtualization CLI. Mutating verbs run with a
// per-invocation timeout and a bounded retry on transient failures.
type Adapter struct {
	run           Runner
	cfg           config.HypervisorConfig
	log           *slog.Logger
	retryInterval time.Duration
}

func New(cfg config.HypervisorConfig, logger *slog.Logger) *Adapter {
	return &Adapter{
		run: &execRunner{
			binary:  cfg.Binary,
			timeout: time.Duration(cfg.CommandTimeoutSecs) * time.Second,
		},
		cfg:           cfg,
		log:           logger,
		retryInterval: 500 * time.Millisecond,
	}
}

// NewWithRunner is used by tests and by callers that already own a Runner.
func NewWithRunner(cfg config.HypervisorConfig, r Runner, logger *slog.Logger) *Adapter {
	a := New(cfg, logger)
	a.run = r
	return a
}

// ImportTemplate registers an appliance image under the given VM name and
// returns the template identifier.
func (a *Adapter) ImportTemplate(ctx context.Context, path, name string) (string, error) {
	if _, err := a.runRetry(ctx, "import", path, "--vsys", "0", "--vmname", name); err != nil {
		return "", fmt.Errorf("import template %s: %w", path, err)
	}
	return name, nil
}

// Clone creates a new VM from the template. The clone name doubles as the
// instance identifier for every later verb.
func (a *Adapter) Clone(ctx context.Context, templateID, name string) (string, error) {
	if _, err := a.runRetry(ctx, "clonevm", templateID, "--name", name, "--register"); err != nil {
		return "", fmt.Errorf("clone from %s: %w", templateID, err)
	}
	return name, nil
}

func (a *Adapter) Start(ctx context.Context, vmID string) error {
	if _, err := a.runRetry(ctx, "startvm", vmID, "--type", "headless"); err != nil {
		return fmt.Errorf("start %s: %w", vmID, err)
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, vmID string) error {
	_, err := a.runRetry(ctx, "controlvm", vmID, "poweroff")
	if err != nil && !notFound(err) && !notRunning(err) {
		return fmt.Errorf("stop %s: %w", vmID, err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, vmID string) error {
	_, err := a.runRetry(ctx, "unregistervm", vmID, "--delete")
	if err != nil && !notFound(err) {
		return fmt.Errorf("delete %s: %w", vmID, err)
	}
	return nil
}

func (a *Adapter) Snapshot(ctx context.Context, vmID, name string) error {
	if _, err := a.runRetry(ctx, "snapshot", vmID, "take", name); err != nil {
		return fmt.Errorf("snapshot %s: %w", vmID, err)
	}
	return nil
}

// AddPortForward installs a NAT forwarding rule on a powered-off VM.
func (a *Adapter) AddPortForward(ctx context.Context, vmID, ruleName string, hostPort, guestPort int) error {
	rule := fmt.Sprintf("%s,tcp,,%d,,%d", ruleName, hostPort, guestPort)
	if _, err := a.runRetry(ctx, "modifyvm", vmID, "--natpf1", rule); err != nil {
		return fmt.Errorf("port forward %s on %s: %w", rule, vmID, err)
	}
	return nil
}

// Status returns the VM state as the hypervisor reports it, e.g. "running"
// or "poweroff".
func (a *Adapter) Status(ctx context.Context, vmID string) (string, error) {
	out, err := a.run.Run(ctx, "showvminfo", vmID, "--machinereadable")
	if err != nil {
		return "", fmt.Errorf("status %s: %w", vmID, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "VMState=") {
			return strings.Trim(strings.TrimPrefix(line, "VMState="), `"`), nil
		}
	}
	return "", fmt.Errorf("status %s: no VMState in output", vmID)
}

// Address asks the guest for its IPv4 address; empty means not reported yet.
func (a *Adapter) Address(ctx context.Context, vmID string) (string, error) {
	out, err := a.run.Run(ctx, "guestproperty", "get", vmID, guestIPProperty)
	if err != nil {
		return "", fmt.Errorf("address %s: %w", vmID, err)
	}
	out = strings.TrimSpace(out)
	if strings.Contains(out, "No value") {
		return "", nil
	}
	if v, ok := strings.CutPrefix(out, "Value:"); ok {
		return strings.TrimSpace(v), nil
	}
	return "", nil
}

// WaitForAddress polls until the guest reports an address or the boot window
// elapses, in which case it fails with ErrBootTimeout.
func (a *Adapter) WaitForAddress(ctx context.Context, vmID string) (string, error) {
	deadline := time.Now().Add(time.Duration(a.cfg.BootWaitMaxSeconds) * time.Second)
	interval := time.Duration(a.cfg.BootPollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		addr, err := a.Address(ctx, vmID)
		if err != nil {
			a.log.Warn("address_poll_failed", slog.String("vm_id", vmID), slog.String("error", err.Error()))
		} else if addr != "" {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s did not report an address within %ds", ErrBootTimeout, vmID, a.cfg.BootWaitMaxSeconds)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Available probes the control plane, used by health checks.
func (a *Adapter) Available(ctx context.Context) error {
	_, err := a.run.Run(ctx, "--version")
	return err
}

func (a *Adapter) runRetry(ctx context.Context, args ...string) (string, error) {
	var out string
	op := func() error {
		o, err := a.run.Run(ctx, args...)
		if err != nil {
			var cerr *CommandError
			if errors.As(err, &cerr) && cerr.Transient() {
				a.log.Warn("hypervisor_retry",
					slog.String("verb", args[0]),
					slog.String("stderr", cerr.Stderr),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		out = o
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.cfg.TransientMaxRetries)), ctx))
	return out, err
}

func notFound(err error) bool {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		msg := strings.ToLower(cerr.Stderr)
		return strings.Contains(msg, "could not find") || strings.Contains(msg, "not found")
	}
	return false
}

func notRunning(err error) bool {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		msg := strings.ToLower(cerr.Stderr)
		return strings.Contains(msg, "not currently running") || strings.Contains(msg, "invalid machine state")
	}
	return false
}
