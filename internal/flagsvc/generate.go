package flagsvc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Flag is one generated secret plus where it should land inside the guest.
type Flag struct {
	Type   string
	Value  string
	Points int
	Paths  []string
}

// Spec is a lab's flag template for one tier.
type Spec struct {
	Type     string
	Template string
	Points   int
	Paths    []string
}

// Generate substitutes a session-unique random token into the lab template.
// The token comes from crypto/rand; two sessions of the same lab never share
// a value. The caller records the result before any injection attempt.
func Generate(spec Spec) (Flag, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Flag{}, fmt.Errorf("flag token: %w", err)
	}
	token := hex.EncodeToString(buf)

	tmpl := spec.Template
	if tmpl == "" || !strings.Contains(tmpl, "%s") {
		tmpl = "FLAG{%s}"
	}
	return Flag{
		Type:   spec.Type,
		Value:  fmt.Sprintf(tmpl, token),
		Points: spec.Points,
		Paths:  spec.Paths,
	}, nil
}
