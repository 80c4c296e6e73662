package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/csai/vm-range-controller/internal/config"
)

// Result is what the scoring backend reports for an accepted flag.
type Result struct {
	NewBadges []string `json:"new_badges"`
	Ranking   int      `json:"ranking"`
}

// Hook consumes flag-acceptance events. Implementations must treat failure
// as advisory: the caller logs it and keeps the flag marked correct.
type Hook interface {
	OnFlagAccepted(ctx context.Context, userID, labID, flagType string, points int) (Result, error)
}

// NewHook returns the webhook implementation, or a no-op when no URL is
// configured.
func NewHook(cfg config.ScoringConfig) Hook {
	if cfg.WebhookURL == "" {
		return NoopHook{}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookHook{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

type NoopHook struct{}

func (NoopHook) OnFlagAccepted(context.Context, string, string, string, int) (Result, error) {
	return Result{}, nil
}

// WebhookHook posts accepted flags to the scoring backend.
type WebhookHook struct {
	url    string
	client *http.Client
}

type acceptedEvent struct {
	UserID   string `json:"user_id"`
	LabID    string `json:"lab_id"`
	FlagType string `json:"flag_type"`
	Points   int    `json:"points"`
}

func (h *WebhookHook) OnFlagAccepted(ctx context.Context, userID, labID, flagType string, points int) (Result, error) {
	body, err := json.Marshal(acceptedEvent{UserID: userID, LabID: labID, FlagType: flagType, Points: points})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scoring webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("scoring webhook: status %d", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("scoring webhook decode: %w", err)
	}
	return out, nil
}
