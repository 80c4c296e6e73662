package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/csai/vm-range-controller/internal/config"
	"github.com/csai/vm-range-controller/internal/hypervisor"
	"github.com/csai/vm-range-controller/internal/metrics"
	"github.com/csai/vm-range-controller/internal/netalloc"
	"github.com/csai/vm-range-controller/internal/session"
	"github.com/csai/vm-range-controller/internal/store"
)

type SessionManager interface {
	StartSession(ctx context.Context, userID, labID string) (store.Session, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	ListSessions(ctx context.Context) ([]store.Session, error)
	StopSession(ctx context.Context, sessionID string) (store.Session, error)
	ExtendSession(ctx context.Context, sessionID string, minutes int) (store.Session, error)
	Touch(ctx context.Context, sessionID string) error
	SubmitFlag(ctx context.Context, sessionID, flagType, value string) (session.SubmitResult, error)
	Submissions(ctx context.Context, sessionID string) ([]store.FlagSubmission, error)
	NetworkProfile(ctx context.Context, sessionID string) ([]byte, string, error)
	Health(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
}

type LabCatalog interface {
	CreateLab(lab *store.Lab) error
	GetLab(id string) (store.Lab, error)
	ListLabs() ([]store.Lab, error)
}

type Server struct {
	cfg       config.Config
	mgr       SessionManager
	labs      LabCatalog
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, mgr SessionManager, labs LabCatalog, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, mgr: mgr, labs: labs, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	registerV1Routes := func(prefix string) {
		mux.HandleFunc(prefix+"/labs", s.handleLabs)
		mux.HandleFunc(prefix+"/sessions", s.handleSessions)
		mux.HandleFunc(prefix+"/sessions/", s.handleSessionByID)
	}

	registerV1Routes("/v1")
	registerV1Routes("/api/v1") // backwards compatibility aliases

	mux.HandleFunc("/api/v1/health", s.handleHealthz)
	return mux
}

func (s *Server) handleLabs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		labs, err := s.labs.ListLabs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Unable to list labs.", map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, LabListResponse{OK: true, Labs: labs})
	case http.MethodPost:
		var lab store.Lab
		if err := json.NewDecoder(r.Body).Decode(&lab); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		if lab.ID == "" || lab.Name == "" || lab.TemplatePath == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"id", "name", "template_path"}})
			return
		}
		if err := s.labs.CreateLab(&lab); err != nil {
			writeError(w, http.StatusConflict, "lab_exists", "Lab already registered.", map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, LabResponse{OK: true, Lab: lab})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.mgr.ListSessions(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Unable to list sessions.", map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, SessionListResponse{OK: true, Sessions: items})
	case http.MethodPost:
		s.handleStartSession(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	if req.UserID == "" || req.LabID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required fields.", map[string]any{"required": []string{"user_id", "lab_id"}})
		return
	}
	sess, err := s.mgr.StartSession(r.Context(), req.UserID, req.LabID)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{OK: true, Session: sess, Connection: toConnectionInfo(sess)})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := trimSessionPath(r.URL.Path)
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "Session not found.", nil)
		return
	}
	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "not_found", "Session not found.", nil)
		return
	}

	if len(parts) == 1 {
		s.handleSingleSession(w, r, sessionID)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "stop":
			s.handleStop(w, r, sessionID)
			return
		case "flags":
			s.handleSubmitFlag(w, r, sessionID)
			return
		case "extend":
			s.handleExtend(w, r, sessionID)
			return
		case "touch":
			s.handleTouch(w, r, sessionID)
			return
		case "vpn":
			s.handleVPN(w, r, sessionID)
			return
		case "submissions":
			s.handleSubmissions(w, r, sessionID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
}

func trimSessionPath(path string) string {
	for _, prefix := range []string{"/v1/sessions/", "/api/v1/sessions/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimPrefix(path, prefix)
		}
	}
	return ""
}

func (s *Server) handleSingleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.mgr.GetSession(r.Context(), sessionID)
		if err != nil {
			s.writeMgrErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SessionResponse{OK: true, Session: sess, Connection: toConnectionInfo(sess)})
	case http.MethodDelete:
		sess, err := s.mgr.StopSession(r.Context(), sessionID)
		if err != nil {
			s.writeMgrErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, StopSessionResponse{OK: true, SessionID: sess.ID, Status: sess.Status})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	sess, err := s.mgr.StopSession(r.Context(), sessionID)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StopSessionResponse{OK: true, SessionID: sess.ID, Status: sess.Status})
}

func (s *Server) handleSubmitFlag(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req SubmitFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	result, err := s.mgr.SubmitFlag(r.Context(), sessionID, req.FlagType, req.Flag)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitFlagResponse{OK: true, Result: result})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}
	sess, err := s.mgr.ExtendSession(r.Context(), sessionID, req.ExtendMinutes)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExtendSessionResponse{OK: true, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt, Extensions: sess.Extensions})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.mgr.Touch(r.Context(), sessionID); err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVPN(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	profile, filename, err := s.mgr.NetworkProfile(r.Context(), sessionID)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-openvpn-profile")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(profile)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	subs, err := s.mgr.Submissions(r.Context(), sessionID)
	if err != nil {
		s.writeMgrErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmissionListResponse{OK: true, Submissions: subs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	active, err := s.mgr.Health(r.Context())
	hvOK := err == nil
	s.metrics.SetActiveSessions(active)
	status := "ok"
	code := http.StatusOK
	if !hvOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:       status,
		Version:      s.cfg.Server.Version,
		Uptime:       int64(time.Since(s.startedAt).Seconds()),
		HypervisorOK: hvOK,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.mgr.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeMgrErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found.", nil)
	case errors.Is(err, session.ErrLabNotFound):
		writeError(w, http.StatusNotFound, "lab_not_found", "Lab not found.", nil)
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "active_session_exists", "User already has an active session.", nil)
	case errors.Is(err, session.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, "capacity_full", "Max concurrent sessions reached.", nil)
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, "session_expired", "Session is no longer accepting submissions.", nil)
	case errors.Is(err, session.ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, "already_submitted", "Flag already accepted for this session.", nil)
	case errors.Is(err, session.ErrExtensionLimit):
		writeError(w, http.StatusBadRequest, "extension_limit_exceeded", "Session extension limit reached.", nil)
	case errors.Is(err, session.ErrInvalidFlagType):
		writeError(w, http.StatusBadRequest, "invalid_flag_type", "Flag type must be user or root.", nil)
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", "Cannot perform operation in current session state.", nil)
	case errors.Is(err, netalloc.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, "network_exhausted", "No network resources available.", nil)
	case errors.Is(err, hypervisor.ErrBootTimeout):
		writeError(w, http.StatusBadGateway, "boot_timeout", "VM did not become reachable in time.", nil)
	default:
		s.logger.Error("session_manager_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", map[string]any{"error": err.Error()})
	}
}

func toConnectionInfo(sess store.Session) ConnectionInfo {
	info := ConnectionInfo{Mode: sess.NetworkMode}
	switch sess.NetworkMode {
	case netalloc.ModeBridge:
		info.VMIP = sess.VMIP
		info.Gateway = sess.Gateway
		info.VPNRequired = true
	default:
		info.SSHPort = sess.SSHPort
		info.WebPort = sess.WebPort
	}
	return info
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
