package api

import (
	"time"

	"github.com/csai/vm-range-controller/internal/session"
	"github.com/csai/vm-range-controller/internal/store"
)

type StartSessionRequest struct {
	UserID string `json:"user_id"`
	LabID  string `json:"lab_id"`
}

// ConnectionInfo tells the player how to reach the VM for the session's
// network mode. NAT exposes host port forwards; bridge requires the VPN
// profile and gives the in-subnet address.
type ConnectionInfo struct {
	Mode        string `json:"mode"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	WebPort     int    `json:"web_port,omitempty"`
	VMIP        string `json:"vm_ip,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	VPNRequired bool   `json:"vpn_required"`
}

type SessionResponse struct {
	OK         bool           `json:"ok"`
	Session    store.Session  `json:"session"`
	Connection ConnectionInfo `json:"connection"`
}

type SessionListResponse struct {
	OK       bool            `json:"ok"`
	Sessions []store.Session `json:"sessions"`
}

type StopSessionResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type SubmitFlagRequest struct {
	FlagType string `json:"flag_type"`
	Flag     string `json:"flag"`
}

type SubmitFlagResponse struct {
	OK     bool                 `json:"ok"`
	Result session.SubmitResult `json:"result"`
}

type ExtendSessionRequest struct {
	ExtendMinutes int `json:"extend_minutes"`
}

type ExtendSessionResponse struct {
	OK         bool      `json:"ok"`
	SessionID  string    `json:"session_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Extensions int       `json:"extensions"`
}

type SubmissionListResponse struct {
	OK          bool                   `json:"ok"`
	Submissions []store.FlagSubmission `json:"submissions"`
}

type LabListResponse struct {
	OK   bool        `json:"ok"`
	Labs []store.Lab `json:"labs"`
}

type LabResponse struct {
	OK  bool      `json:"ok"`
	Lab store.Lab `json:"lab"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Uptime       int64  `json:"uptime_seconds"`
	HypervisorOK bool   `json:"hypervisor_ok"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
