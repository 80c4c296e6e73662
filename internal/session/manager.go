package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csai/vm-range-controller/internal/config"
	"github.com/csai/vm-range-controller/internal/flagsvc"
	"github.com/csai/vm-range-controller/internal/hypervisor"
	"github.com/csai/vm-range-controller/internal/metrics"
	"github.com/csai/vm-range-controller/internal/netalloc"
	"github.com/csai/vm-range-controller/internal/scoring"
	"github.com/csai/vm-range-controller/internal/store"
	"github.com/csai/vm-range-controller/internal/vpn"
)

// Store is the slice of the persistence layer the manager needs. The gorm
// store satisfies it; tests use an in-memory fake.
type Store interface {
	GetLab(id string) (store.Lab, error)
	IncLabStarted(id string) error
	IncLabSolved(id string) error
	ClaimSession(sess *store.Session) error
	GetSession(id string) (store.Session, error)
	SaveSession(sess *store.Session) error
	TransitionStatus(id string, from []string, to string) (bool, error)
	MarkFlagCorrect(id, flagType string, at time.Time) (claimed, solved bool, err error)
	ExtendExpiry(id string, newExpiry time.Time, fromExtensions int, at time.Time) (bool, error)
	TouchActivity(id string, at time.Time) (bool, error)
	ListSessions() ([]store.Session, error)
	ActiveCount() (int, error)
	DueForCleanup(now time.Time, grace time.Duration) ([]store.Session, error)
	CreateSubmission(sub *store.FlagSubmission) error
	AttemptCount(sessionID, flagType string) (int, error)
	SubmissionsForSession(sessionID string) ([]store.FlagSubmission, error)
}

// Hypervisor is the control-plane surface the manager drives.
type Hypervisor interface {
	Clone(ctx context.Context, templateID, name string) (string, error)
	Start(ctx context.Context, vmID string) error
	Stop(ctx context.Context, vmID string) error
	Delete(ctx context.Context, vmID string) error
	AddPortForward(ctx context.Context, vmID, ruleName string, hostPort, guestPort int) error
	WaitForAddress(ctx context.Context, vmID string) (string, error)
	Available(ctx context.Context) error
}

// Injector places generated flags inside the guest, best effort.
type Injector interface {
	Inject(ctx context.Context, addr string, creds flagsvc.Credentials, flag flagsvc.Flag) error
}

// ProfileIssuer mints and revokes client network profiles.
type ProfileIssuer interface {
	Issue(userID, sessionID, subnet, netmask string, ttl time.Duration) (vpn.Profile, error)
	Read(sessionID string) ([]byte, vpn.Profile, error)
	Revoke(sessionID string) error
}

// SubmitResult is returned to the caller after a flag submission.
type SubmitResult struct {
	Correct    bool          `json:"correct"`
	Points     int           `json:"points"`
	FlagsFound int           `json:"flags_found"`
	Solved     bool          `json:"solved"`
	NewBadges  []string      `json:"new_badges,omitempty"`
	Ranking    int           `json:"ranking,omitempty"`
	Session    store.Session `json:"-"`
}

// Manager owns the session state machine. Bookkeeping transitions go through
// the store's atomic operations; the long-running hypervisor and SSH calls
// never hold a lock.
type Manager struct {
	cfg      config.Config
	store    Store
	hv       Hypervisor
	alloc    *netalloc.Allocator
	injector Injector
	vpn      ProfileIssuer
	hook     scoring.Hook
	metrics  *metrics.Registry
	log      *slog.Logger
}

func NewManager(cfg config.Config, st Store, hv Hypervisor, alloc *netalloc.Allocator, inj Injector, issuer ProfileIssuer, hook scoring.Hook, reg *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		hv:       hv,
		alloc:    alloc,
		injector: inj,
		vpn:      issuer,
		hook:     hook,
		metrics:  reg,
		log:      logger,
	}
}

// StartSession provisions a VM for the user's attempt at the lab. The user
// slot is claimed atomically before any resource work; every failure after
// the claim lands the session in failed with its resources released.
func (m *Manager) StartSession(ctx context.Context, userID, labID string) (store.Session, error) {
	lab, err := m.store.GetLab(labID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return store.Session{}, ErrLabNotFound
		}
		return store.Session{}, fmt.Errorf("load lab: %w", err)
	}

	active, err := m.store.ActiveCount()
	if err != nil {
		return store.Session{}, fmt.Errorf("active count: %w", err)
	}
	if active >= m.cfg.Session.MaxActive {
		return store.Session{}, ErrCapacity
	}

	mode := strings.ToLower(m.cfg.Network.Mode)
	alloc, err := m.alloc.Allocate(mode, userID)
	if err != nil {
		return store.Session{}, err
	}

	now := time.Now().UTC()
	sess := store.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		LabID:        labID,
		Status:       store.StatusStarting,
		NetworkMode:  alloc.Mode,
		SSHPort:      alloc.SSHPort,
		WebPort:      alloc.WebPort,
		Subnet:       alloc.Subnet,
		Netmask:      alloc.Netmask,
		Gateway:      alloc.Gateway,
		StartedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.sessionDuration()),
	}
	if err := m.store.ClaimSession(&sess); err != nil {
		m.alloc.Release(alloc)
		if errors.Is(err, store.ErrActiveExists) {
			return store.Session{}, ErrConflict
		}
		return store.Session{}, fmt.Errorf("claim session: %w", err)
	}

	// The claim is durable from here on; a caller disconnect must not abort
	// an issued hypervisor call or fail an otherwise healthy boot.
	ctx = context.WithoutCancel(ctx)

	templateID := lab.TemplateID
	if templateID == "" {
		templateID = lab.ID
	}
	vmName := "range-" + shortID(sess.ID)

	vmID, err := m.hv.Clone(ctx, templateID, vmName)
	if err != nil {
		return m.failStart(ctx, sess, alloc, fmt.Errorf("clone: %w", err))
	}
	sess.VMID = vmID
	if err := m.store.SaveSession(&sess); err != nil {
		return m.failStart(ctx, sess, alloc, err)
	}

	if alloc.Mode == netalloc.ModeNAT {
		if err := m.hv.AddPortForward(ctx, vmID, "ssh", alloc.SSHPort, 22); err != nil {
			return m.failStart(ctx, sess, alloc, err)
		}
		if err := m.hv.AddPortForward(ctx, vmID, "web", alloc.WebPort, 80); err != nil {
			return m.failStart(ctx, sess, alloc, err)
		}
	}

	if err := m.hv.Start(ctx, vmID); err != nil {
		return m.failStart(ctx, sess, alloc, fmt.Errorf("start: %w", err))
	}

	addr, err := m.hv.WaitForAddress(ctx, vmID)
	if err != nil {
		return m.failStart(ctx, sess, alloc, err)
	}
	sess.VMIP = addr

	userFlag, rootFlag, err := m.generateFlags(lab)
	if err != nil {
		return m.failStart(ctx, sess, alloc, err)
	}
	sess.UserFlag = store.FlagSlot{Value: userFlag.Value, Points: userFlag.Points}
	sess.RootFlag = store.FlagSlot{Value: rootFlag.Value, Points: rootFlag.Points}

	// Expected values are persisted before any injection attempt; submission
	// validation never depends on the injection having succeeded.
	if err := m.store.SaveSession(&sess); err != nil {
		return m.failStart(ctx, sess, alloc, err)
	}

	m.injectFlag(ctx, &sess, addr, flagsvc.Credentials{User: lab.DefaultUser, Password: lab.DefaultPassword}, userFlag)
	m.injectFlag(ctx, &sess, addr, flagsvc.Credentials{User: "root", Password: lab.RootPassword}, rootFlag)

	now = time.Now().UTC()
	sess.Status = store.StatusRunning
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(m.sessionDuration())
	if err := m.store.SaveSession(&sess); err != nil {
		return m.failStart(ctx, sess, alloc, err)
	}

	if err := m.store.IncLabStarted(labID); err != nil {
		m.log.Warn("lab_counter_failed", slog.String("lab_id", labID), slog.String("error", err.Error()))
	}
	m.metrics.IncSessionStart()
	m.log.Info("session_started",
		slog.String("session_id", sess.ID),
		slog.String("user_id", userID),
		slog.String("lab_id", labID),
		slog.String("vm_id", vmID),
		slog.String("vm_ip", addr),
	)
	return sess, nil
}

// SubmitFlag validates the value against the stored expected flag with an
// exact, trimmed, case-sensitive comparison. Every attempt lands in the
// audit trail; only correct ones mutate the session.
func (m *Manager) SubmitFlag(ctx context.Context, sessionID, flagType, value string) (SubmitResult, error) {
	began := time.Now()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return SubmitResult{}, err
	}

	var slot *store.FlagSlot
	switch flagType {
	case store.FlagTypeUser:
		slot = &sess.UserFlag
	case store.FlagTypeRoot:
		slot = &sess.RootFlag
	default:
		return SubmitResult{}, ErrInvalidFlagType
	}

	now := time.Now().UTC()
	if sess.Status != store.StatusRunning || now.After(sess.ExpiresAt) {
		return SubmitResult{}, ErrExpired
	}
	if slot.Correct {
		return SubmitResult{}, ErrAlreadySubmitted
	}

	correct := slot.Value != "" && strings.TrimSpace(value) == slot.Value
	attempt, err := m.store.AttemptCount(sessionID, flagType)
	if err != nil {
		m.log.Warn("attempt_count_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	points := 0
	solvedNow := false
	if correct {
		// The slot is claimed with a conditional update, never a whole-record
		// save: concurrent user and root submissions each mark only their own
		// column, and a second submission of the same flag loses the claim.
		claimed, solved, err := m.store.MarkFlagCorrect(sessionID, flagType, now)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("mark flag correct: %w", err)
		}
		if !claimed {
			return SubmitResult{}, ErrAlreadySubmitted
		}
		points = slot.Points
		solvedNow = solved
		slot.Correct = true
		slot.SubmittedAt = &now
		sess.LastActivity = now
	}

	sub := store.FlagSubmission{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		LabID:     sess.LabID,
		FlagType:  flagType,
		Submitted: strings.TrimSpace(value),
		Expected:  slot.Value,
		IsCorrect: correct,
		Points:    points,
		LatencyMS: time.Since(began).Milliseconds(),
		Attempt:   attempt + 1,
	}
	if err := m.store.CreateSubmission(&sub); err != nil {
		m.log.Error("submission_audit_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	m.metrics.IncFlagSubmission()

	if correct {
		// Reload so the result reflects a concurrently accepted other slot.
		if fresh, err := m.getSession(sessionID); err == nil {
			sess = fresh
		}
	}
	result := SubmitResult{
		Correct:    correct,
		Points:     points,
		FlagsFound: sess.FlagsFound(),
		Solved:     sess.Solved(),
		Session:    sess,
	}
	if !correct {
		m.log.Info("flag_rejected",
			slog.String("session_id", sessionID),
			slog.String("flag_type", flagType),
		)
		return result, nil
	}

	m.metrics.IncFlagCorrect()
	if solvedNow {
		if err := m.store.IncLabSolved(sess.LabID); err != nil {
			m.log.Warn("lab_counter_failed", slog.String("lab_id", sess.LabID), slog.String("error", err.Error()))
		}
	}

	// Scoring runs after the flag is already marked correct; its failure is
	// logged and never reverts the acceptance.
	if score, err := m.hook.OnFlagAccepted(ctx, sess.UserID, sess.LabID, flagType, points); err != nil {
		m.log.Warn("scoring_hook_failed",
			slog.String("session_id", sessionID),
			slog.String("flag_type", flagType),
			slog.String("error", err.Error()),
		)
	} else {
		result.NewBadges = score.NewBadges
		result.Ranking = score.Ranking
	}

	m.log.Info("flag_accepted",
		slog.String("session_id", sessionID),
		slog.String("flag_type", flagType),
		slog.Int("points", points),
		slog.Bool("solved", result.Solved),
	)
	return result, nil
}

// ExtendSession pushes expiry forward, bounded by the extension cap. The
// counter bump is a conditional update keyed on the value just read, so
// racing extends retry against the fresh counter instead of clobbering each
// other or skipping past the cap.
func (m *Manager) ExtendSession(ctx context.Context, sessionID string, minutes int) (store.Session, error) {
	for attempt := 0; attempt <= m.cfg.Session.MaxExtensions; attempt++ {
		sess, err := m.getSession(sessionID)
		if err != nil {
			return store.Session{}, err
		}
		if store.IsTerminal(sess.Status) || sess.Status == store.StatusStopping {
			return store.Session{}, ErrInvalidState
		}
		if sess.Extensions >= m.cfg.Session.MaxExtensions {
			return store.Session{}, ErrExtensionLimit
		}
		granted := minutes
		if granted <= 0 || granted > m.cfg.Session.ExtensionMinutes {
			granted = m.cfg.Session.ExtensionMinutes
		}
		newExpiry := sess.ExpiresAt.Add(time.Duration(granted) * time.Minute)
		claimed, err := m.store.ExtendExpiry(sessionID, newExpiry, sess.Extensions, time.Now().UTC())
		if err != nil {
			return store.Session{}, fmt.Errorf("extend session: %w", err)
		}
		if claimed {
			return m.getSession(sessionID)
		}
	}
	return store.Session{}, ErrExtensionLimit
}

// Touch updates lastActivity without affecting expiry or any other column.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return err
	}
	if store.IsTerminal(sess.Status) {
		return ErrInvalidState
	}
	touched, err := m.store.TouchActivity(sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !touched {
		return ErrNotFound
	}
	return nil
}

// StopSession tears the session down at the user's request. Invoking it on
// a session already in a terminal state returns success without side
// effects.
func (m *Manager) StopSession(ctx context.Context, sessionID string) (store.Session, error) {
	return m.stop(ctx, sessionID, store.StatusStopped, false)
}

// expireSession is the sweeper's path for sessions past their expiry.
func (m *Manager) expireSession(ctx context.Context, sessionID string) (store.Session, error) {
	return m.stop(ctx, sessionID, store.StatusExpired, false)
}

// resumeTeardown re-drives a session stuck in stopping past the grace
// period, typically after a controller crash mid-teardown.
func (m *Manager) resumeTeardown(ctx context.Context, sessionID string) (store.Session, error) {
	return m.stop(ctx, sessionID, store.StatusStopped, true)
}

func (m *Manager) stop(ctx context.Context, sessionID, terminal string, reclaimStuck bool) (store.Session, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if store.IsTerminal(sess.Status) {
		return sess, nil
	}

	claimed, err := m.store.TransitionStatus(sessionID, []string{store.StatusStarting, store.StatusRunning}, store.StatusStopping)
	if err != nil {
		return store.Session{}, fmt.Errorf("transition to stopping: %w", err)
	}
	if !claimed && !reclaimStuck {
		// Another caller owns the teardown; report current state.
		return m.getSession(sessionID)
	}
	// Re-read after the claim: the transition fences further flag marks, but
	// one may have landed between the first read and the claim, and the
	// terminal save below writes the whole record.
	if sess, err = m.getSession(sessionID); err != nil {
		return store.Session{}, err
	}
	sess.Status = store.StatusStopping

	// Teardown outlives a disconnecting caller.
	ctx = context.WithoutCancel(ctx)

	// Teardown steps run in fixed order; a step's failure is appended to
	// the error log and the remaining steps still run.
	if sess.VMID != "" {
		if err := m.hv.Stop(ctx, sess.VMID); err != nil {
			sess.AppendError("teardown stop: " + err.Error())
		}
		if err := m.hv.Delete(ctx, sess.VMID); err != nil {
			sess.AppendError("teardown delete: " + err.Error())
		}
	}
	m.alloc.Release(allocationOf(sess))
	if err := m.vpn.Revoke(sess.ID); err != nil {
		sess.AppendError("teardown vpn revoke: " + err.Error())
	}

	now := time.Now().UTC()
	sess.Status = terminal
	sess.StoppedAt = &now
	if !sess.StartedAt.IsZero() {
		sess.DurationSeconds = int64(now.Sub(sess.StartedAt).Seconds())
	}
	if err := m.store.SaveSession(&sess); err != nil {
		return store.Session{}, fmt.Errorf("save session: %w", err)
	}
	m.metrics.IncSessionStop()
	m.log.Info("session_stopped",
		slog.String("session_id", sess.ID),
		slog.String("status", terminal),
		slog.Int("teardown_errors", len(sess.ErrorLog())),
	)
	return sess, nil
}

// NetworkProfile returns the downloadable client profile for a bridge-mode
// session, issuing it on first request and returning the same artifact until
// expiry.
func (m *Manager) NetworkProfile(ctx context.Context, sessionID string) ([]byte, string, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return nil, "", err
	}
	if !store.IsActive(sess.Status) {
		return nil, "", ErrInvalidState
	}
	if sess.NetworkMode != netalloc.ModeBridge {
		return nil, "", ErrInvalidState
	}
	ttl := time.Until(sess.ExpiresAt)
	if _, err := m.vpn.Issue(sess.UserID, sess.ID, sess.Subnet, sess.Netmask, ttl); err != nil {
		return nil, "", fmt.Errorf("issue profile: %w", err)
	}
	b, p, err := m.vpn.Read(sess.ID)
	if err != nil {
		return nil, "", fmt.Errorf("read profile: %w", err)
	}
	return b, "session-" + p.SessionID + ".ovpn", nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	return m.getSession(sessionID)
}

func (m *Manager) ListSessions(ctx context.Context) ([]store.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) Submissions(ctx context.Context, sessionID string) ([]store.FlagSubmission, error) {
	if _, err := m.getSession(sessionID); err != nil {
		return nil, err
	}
	return m.store.SubmissionsForSession(sessionID)
}

// Health reports the active session count and whether the hypervisor
// control plane responds.
func (m *Manager) Health(ctx context.Context) (int, error) {
	active, err := m.store.ActiveCount()
	if err != nil {
		return 0, err
	}
	return active, m.hv.Available(ctx)
}

func (m *Manager) Ready(ctx context.Context) error {
	return m.hv.Available(ctx)
}

// ReclaimAllocations rebuilds the allocator's pool state from persisted
// active sessions, called once on startup.
func (m *Manager) ReclaimAllocations() error {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return err
	}
	n := 0
	for _, sess := range sessions {
		if store.IsTerminal(sess.Status) {
			continue
		}
		m.alloc.Reclaim(allocationOf(sess))
		n++
	}
	m.log.Info("allocations_reclaimed", slog.Int("count", n))
	return nil
}

func (m *Manager) getSession(id string) (store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return store.Session{}, ErrNotFound
		}
		return store.Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (m *Manager) failStart(ctx context.Context, sess store.Session, alloc netalloc.Allocation, cause error) (store.Session, error) {
	sess.AppendError("start failed: " + cause.Error())
	if sess.VMID != "" {
		if err := m.hv.Stop(ctx, sess.VMID); err != nil {
			sess.AppendError("cleanup stop: " + err.Error())
		}
		if err := m.hv.Delete(ctx, sess.VMID); err != nil {
			sess.AppendError("cleanup delete: " + err.Error())
		}
	}
	m.alloc.Release(alloc)

	now := time.Now().UTC()
	sess.Status = store.StatusFailed
	sess.StoppedAt = &now
	if err := m.store.SaveSession(&sess); err != nil {
		m.log.Error("failed_session_save_failed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
	m.metrics.IncSessionFailure()
	if errors.Is(cause, hypervisor.ErrBootTimeout) {
		m.metrics.IncBootTimeout()
	}
	m.log.Error("session_start_failed",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("lab_id", sess.LabID),
		slog.String("error", cause.Error()),
	)
	return store.Session{}, cause
}

func (m *Manager) generateFlags(lab store.Lab) (flagsvc.Flag, flagsvc.Flag, error) {
	userFlag, err := flagsvc.Generate(flagsvc.Spec{
		Type:     store.FlagTypeUser,
		Template: lab.UserFlagTemplate,
		Points:   lab.UserFlagPoints,
		Paths:    lab.UserPaths(),
	})
	if err != nil {
		return flagsvc.Flag{}, flagsvc.Flag{}, err
	}
	rootFlag, err := flagsvc.Generate(flagsvc.Spec{
		Type:     store.FlagTypeRoot,
		Template: lab.RootFlagTemplate,
		Points:   lab.RootFlagPoints,
		Paths:    lab.RootPaths(),
	})
	if err != nil {
		return flagsvc.Flag{}, flagsvc.Flag{}, err
	}
	return userFlag, rootFlag, nil
}

func (m *Manager) injectFlag(ctx context.Context, sess *store.Session, addr string, creds flagsvc.Credentials, flag flagsvc.Flag) {
	if err := m.injector.Inject(ctx, addr, creds, flag); err != nil {
		sess.AppendError(fmt.Sprintf("inject %s flag: %v", flag.Type, err))
		m.metrics.IncInjectFailure()
		m.log.Warn("flag_injection_failed",
			slog.String("session_id", sess.ID),
			slog.String("flag_type", flag.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) sessionDuration() time.Duration {
	return time.Duration(m.cfg.Session.DurationMinutes) * time.Minute
}

func allocationOf(sess store.Session) netalloc.Allocation {
	return netalloc.Allocation{
		Mode:    sess.NetworkMode,
		SSHPort: sess.SSHPort,
		WebPort: sess.WebPort,
		Subnet:  sess.Subnet,
		Netmask: sess.Netmask,
		Gateway: sess.Gateway,
		VMIP:    sess.VMIP,
	}
}

func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 12 {
		clean = clean[:12]
	}
	return clean
}
