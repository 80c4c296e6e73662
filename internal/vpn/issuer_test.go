package vpn

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/csai/vm-range-controller/internal/config"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	cfg := config.VPNConfig{
		ProfileDir:     t.TempDir(),
		ServerEndpoint: "lab.example.com:1194",
		DNS:            "10.77.0.1",
		TTLMinutes:     30,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer, err := NewIssuer(cfg, logger)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestIssueRendersProfile(t *testing.T) {
	issuer := testIssuer(t)
	p, err := issuer.Issue("alice", "s1", "10.77.4.0", "255.255.255.0", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	body := string(b)
	for _, want := range []string{
		"remote lab.example.com 1194",
		"route 10.77.4.0 255.255.255.0",
		"dhcp-option DNS 10.77.0.1",
		"<ca>", "<cert>", "<key>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("profile missing %q", want)
		}
	}
	if !strings.HasSuffix(p.Path, "session-s1.ovpn") {
		t.Errorf("unexpected artifact name %q", p.Path)
	}
}

func TestIssueIdempotentBeforeExpiry(t *testing.T) {
	issuer := testIssuer(t)
	first, err := issuer.Issue("alice", "s1", "10.77.4.0", "255.255.255.0", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b1, _ := os.ReadFile(first.Path)

	second, err := issuer.Issue("alice", "s1", "10.77.4.0", "255.255.255.0", time.Hour)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	b2, _ := os.ReadFile(second.Path)
	if second.Path != first.Path || string(b1) != string(b2) {
		t.Fatal("reissue before expiry should return the existing artifact")
	}
}

func TestReadAfterRevokeFails(t *testing.T) {
	issuer := testIssuer(t)
	p, err := issuer.Issue("alice", "s1", "10.77.4.0", "255.255.255.0", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := issuer.Read("s1"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := issuer.Revoke("s1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := os.Stat(p.Path); !os.IsNotExist(err) {
		t.Fatal("artifact still on disk after revoke")
	}
	if _, _, err := issuer.Read("s1"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist after revoke, got %v", err)
	}
}

func TestRevokeUnknownSessionIsNoop(t *testing.T) {
	issuer := testIssuer(t)
	if err := issuer.Revoke("never-issued"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	issuer := testIssuer(t)
	expired, err := issuer.Issue("alice", "s1", "10.77.4.0", "255.255.255.0", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Issue("bob", "s2", "10.77.5.0", "255.255.255.0", time.Hour); err != nil {
		t.Fatalf("issue: %v", err)
	}

	n := issuer.Sweep(time.Now().UTC().Add(10 * time.Minute))
	if n != 1 {
		t.Fatalf("expected 1 swept profile, got %d", n)
	}
	if _, err := os.Stat(expired.Path); !os.IsNotExist(err) {
		t.Fatal("expired artifact survived sweep")
	}
	if _, _, err := issuer.Read("s2"); err != nil {
		t.Fatalf("live profile should survive sweep: %v", err)
	}
}
