package store

import (
	"encoding/json"
	"time"
)

// Session status values. starting and running count as active; stopped,
// failed and expired are terminal.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
	StatusExpired  = "expired"
)

const (
	FlagTypeUser = "user"
	FlagTypeRoot = "root"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusStopped, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func IsActive(status string) bool {
	return status == StatusStarting || status == StatusRunning
}

// Lab is an immutable VM template definition. Only the start/solve counters
// are ever mutated after creation.
type Lab struct {
	ID               string `gorm:"primaryKey;size:64" json:"id" yaml:"id"`
	Name             string `gorm:"size:128;not null" json:"name" yaml:"name"`
	Difficulty       string `gorm:"size:16" json:"difficulty" yaml:"difficulty"`
	Category         string `gorm:"size:32" json:"category" yaml:"category"`
	TemplatePath     string `gorm:"size:255;not null" json:"template_path" yaml:"template_path"`
	TemplateChecksum string `gorm:"size:128" json:"template_checksum" yaml:"template_checksum"`
	TemplateID       string `gorm:"size:128" json:"template_id" yaml:"template_id"`

	UserFlagTemplate string `gorm:"size:128" json:"user_flag_template" yaml:"user_flag_template"`
	RootFlagTemplate string `gorm:"size:128" json:"root_flag_template" yaml:"root_flag_template"`
	UserFlagPoints   int    `json:"user_flag_points" yaml:"user_flag_points"`
	RootFlagPoints   int    `json:"root_flag_points" yaml:"root_flag_points"`
	UserFlagPaths    string `gorm:"type:json" json:"user_flag_paths" yaml:"-"`
	RootFlagPaths    string `gorm:"type:json" json:"root_flag_paths" yaml:"-"`

	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`
	CPUCount int `json:"cpu_count" yaml:"cpu_count"`
	DiskGB   int `json:"disk_gb" yaml:"disk_gb"`

	DefaultUser     string `gorm:"size:64" json:"default_user" yaml:"default_user"`
	DefaultPassword string `gorm:"size:128" json:"-" yaml:"default_password"`
	RootPassword    string `gorm:"size:128" json:"-" yaml:"root_password"`

	TimesStarted int64 `json:"times_started" yaml:"-"`
	TimesSolved  int64 `json:"times_solved" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

func (l Lab) UserPaths() []string { return decodePaths(l.UserFlagPaths) }
func (l Lab) RootPaths() []string { return decodePaths(l.RootFlagPaths) }

func EncodePaths(paths []string) string {
	if len(paths) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(paths)
	return string(b)
}

func decodePaths(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// FlagSlot holds one tier's expected value and submission outcome, embedded
// twice per session.
type FlagSlot struct {
	Value       string     `gorm:"size:128" json:"-"`
	Correct     bool       `json:"correct"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	Points      int        `json:"points"`
}

type Session struct {
	ID     string `gorm:"primaryKey;size:64" json:"id"`
	UserID string `gorm:"size:64;not null;index" json:"user_id"`
	LabID  string `gorm:"size:64;not null;index" json:"lab_id"`
	VMID   string `gorm:"size:128" json:"vm_id"`
	Status string `gorm:"size:16;not null;index" json:"status"`

	NetworkMode string `gorm:"size:8" json:"network_mode"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	WebPort     int    `json:"web_port,omitempty"`
	Subnet      string `gorm:"size:32" json:"subnet,omitempty"`
	Netmask     string `gorm:"size:32" json:"netmask,omitempty"`
	Gateway     string `gorm:"size:32" json:"gateway,omitempty"`
	VMIP        string `gorm:"size:32" json:"vm_ip,omitempty"`

	UserFlag FlagSlot `gorm:"embedded;embeddedPrefix:user_flag_" json:"user_flag"`
	RootFlag FlagSlot `gorm:"embedded;embeddedPrefix:root_flag_" json:"root_flag"`

	StartedAt       time.Time  `json:"started_at"`
	LastActivity    time.Time  `json:"last_activity"`
	ExpiresAt       time.Time  `gorm:"index" json:"expires_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Extensions      int        `json:"extensions"`
	Errors          string     `gorm:"type:json" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) ErrorLog() []string { return decodePaths(s.Errors) }

// AppendError records a non-fatal failure on the session without losing
// earlier entries.
func (s *Session) AppendError(msg string) {
	log := append(s.ErrorLog(), msg)
	b, _ := json.Marshal(log)
	s.Errors = string(b)
}

func (s Session) FlagsFound() int {
	n := 0
	if s.UserFlag.Correct {
		n++
	}
	if s.RootFlag.Correct {
		n++
	}
	return n
}

func (s Session) Solved() bool { return s.UserFlag.Correct && s.RootFlag.Correct }

// FlagSubmission is an append-only audit row; never mutated after creation.
type FlagSubmission struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string `gorm:"size:64;not null;index" json:"user_id"`
	SessionID string `gorm:"size:64;not null;index" json:"session_id"`
	LabID     string `gorm:"size:64;not null;index" json:"lab_id"`
	FlagType  string `gorm:"size:8;not null" json:"flag_type"`
	Submitted string `gorm:"size:256" json:"submitted"`
	Expected  string `gorm:"size:128" json:"expected"`
	IsCorrect bool   `json:"is_correct"`
	Points    int    `json:"points"`
	LatencyMS int64  `json:"latency_ms"`
	Attempt   int    `json:"attempt"`

	CreatedAt time.Time `json:"created_at"`
}
