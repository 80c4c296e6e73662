package flagsvc

import (
	"strings"
	"testing"
)

func TestGenerateUsesTemplate(t *testing.T) {
	flag, err := Generate(Spec{Type: "user", Template: "HTB{user_%s}", Points: 25, Paths: []string{"/home/htb/user.txt"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(flag.Value, "HTB{user_") || !strings.HasSuffix(flag.Value, "}") {
		t.Fatalf("template not applied: %q", flag.Value)
	}
	if flag.Points != 25 || flag.Type != "user" {
		t.Fatalf("spec fields dropped: %+v", flag)
	}
	if len(flag.Paths) != 1 {
		t.Fatalf("paths dropped: %+v", flag.Paths)
	}
}

func TestGenerateFallbackTemplate(t *testing.T) {
	for _, tmpl := range []string{"", "no-placeholder"} {
		flag, err := Generate(Spec{Type: "root", Template: tmpl})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.HasPrefix(flag.Value, "FLAG{") {
			t.Fatalf("expected fallback format, got %q", flag.Value)
		}
	}
}

func TestGenerateUniquePerCall(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		flag, err := Generate(Spec{Type: "user", Template: "HTB{%s}"})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[flag.Value] {
			t.Fatalf("duplicate flag value %q", flag.Value)
		}
		seen[flag.Value] = true
	}
}
