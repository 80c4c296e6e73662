package hypervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/csai/vm-range-controller/internal/config"
)

type fakeCall struct {
	out string
	err error
}

// scriptRunner replays canned results in order and records every invocation.
type scriptRunner struct {
	calls []fakeCall
	seen  [][]string
}

func (f *scriptRunner) Run(_ context.Context, args ...string) (string, error) {
	f.seen = append(f.seen, args)
	if len(f.calls) == 0 {
		return "", nil
	}
	call := f.calls[0]
	f.calls = f.calls[1:]
	return call.out, call.err
}

func testAdapter(r Runner) *Adapter {
	cfg := config.HypervisorConfig{
		Binary:              "vboxmanage",
		CommandTimeoutSecs:  5,
		TransientMaxRetries: 2,
		BootWaitMaxSeconds:  1,
		BootPollIntervalSecs: 0,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewWithRunner(cfg, r, logger)
	a.retryInterval = time.Millisecond
	return a
}

func TestCloneRetriesTransientFailure(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{err: &CommandError{Args: []string{"clonevm"}, ExitCode: 1, Stderr: "The machine is locked by another task"}},
		{out: ""},
	}}
	a := testAdapter(r)
	id, err := a.Clone(context.Background(), "tmpl-1", "range-abc")
	if err != nil {
		t.Fatalf("clone should succeed after retry: %v", err)
	}
	if id != "range-abc" {
		t.Fatalf("unexpected clone id %q", id)
	}
	if len(r.seen) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(r.seen))
	}
}

func TestCloneDoesNotRetryPermanentFailure(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{err: &CommandError{Args: []string{"clonevm"}, ExitCode: 1, Stderr: "Could not find a registered machine named 'tmpl-x'"}},
	}}
	a := testAdapter(r)
	if _, err := a.Clone(context.Background(), "tmpl-x", "range-abc"); err == nil {
		t.Fatal("expected error")
	}
	if len(r.seen) != 1 {
		t.Fatalf("permanent failure retried: %d attempts", len(r.seen))
	}
}

func TestTransientGivesUpAfterMaxRetries(t *testing.T) {
	busy := fakeCall{err: &CommandError{ExitCode: 1, Stderr: "resource busy"}}
	r := &scriptRunner{calls: []fakeCall{busy, busy, busy, busy}}
	a := testAdapter(r)
	if _, err := a.Clone(context.Background(), "tmpl", "vm"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// initial attempt plus TransientMaxRetries retries
	if len(r.seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(r.seen))
	}
}

func TestStopToleratesNotRunning(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{err: &CommandError{ExitCode: 1, Stderr: "VM is not currently running"}},
	}}
	a := testAdapter(r)
	if err := a.Stop(context.Background(), "range-abc"); err != nil {
		t.Fatalf("stop of halted vm should be a no-op: %v", err)
	}
}

func TestDeleteToleratesMissingVM(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{err: &CommandError{ExitCode: 1, Stderr: "Could not find a registered machine"}},
	}}
	a := testAdapter(r)
	if err := a.Delete(context.Background(), "range-gone"); err != nil {
		t.Fatalf("delete of missing vm should be a no-op: %v", err)
	}
}

func TestStatusParsesVMState(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{out: "name=\"range-abc\"\nVMState=\"running\"\nVMStateChangeTime=\"2026\"\n"},
	}}
	a := testAdapter(r)
	state, err := a.Status(context.Background(), "range-abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != "running" {
		t.Fatalf("expected running, got %q", state)
	}
}

func TestAddressParsesValue(t *testing.T) {
	r := &scriptRunner{calls: []fakeCall{
		{out: "Value: 192.168.56.101\n"},
		{out: "No value set!\n"},
	}}
	a := testAdapter(r)
	addr, err := a.Address(context.Background(), "range-abc")
	if err != nil || addr != "192.168.56.101" {
		t.Fatalf("expected address, got %q err=%v", addr, err)
	}
	addr, err = a.Address(context.Background(), "range-abc")
	if err != nil || addr != "" {
		t.Fatalf("expected empty address for unset property, got %q err=%v", addr, err)
	}
}

func TestWaitForAddressTimesOut(t *testing.T) {
	r := &scriptRunner{} // always "no value"
	a := testAdapter(r)
	a.cfg.BootWaitMaxSeconds = 0
	_, err := a.WaitForAddress(context.Background(), "range-abc")
	if !errors.Is(err, ErrBootTimeout) {
		t.Fatalf("expected ErrBootTimeout, got %v", err)
	}
}

func TestAddPortForwardRuleFormat(t *testing.T) {
	r := &scriptRunner{}
	a := testAdapter(r)
	if err := a.AddPortForward(context.Background(), "range-abc", "ssh", 42007, 22); err != nil {
		t.Fatalf("port forward: %v", err)
	}
	got := strings.Join(r.seen[0], " ")
	want := "modifyvm range-abc --natpf1 ssh,tcp,,42007,,22"
	if got != want {
		t.Fatalf("rule args mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestCommandErrorTransientClassification(t *testing.T) {
	cases := []struct {
		stderr    string
		transient bool
	}{
		{"The machine is locked by a session", true},
		{"VERR_RESOURCE_BUSY", true},
		{"operation timed out, try again", true},
		{"Could not find a registered machine", false},
		{"syntax error near token", false},
	}
	for _, tc := range cases {
		err := &CommandError{ExitCode: 1, Stderr: tc.stderr}
		if err.Transient() != tc.transient {
			t.Errorf("Transient(%q) = %v, want %v", tc.stderr, err.Transient(), tc.transient)
		}
	}
}
