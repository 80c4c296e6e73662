package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/csai/vm-range-controller/internal/config"
	"github.com/csai/vm-range-controller/internal/metrics"
	"github.com/csai/vm-range-controller/internal/session"
	"github.com/csai/vm-range-controller/internal/store"
)

type fakeManager struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	subs     map[string][]store.FlagSubmission
	nextID   int
}

func newFakeManager() *fakeManager {
	return &fakeManager{sessions: map[string]store.Session{}, subs: map[string][]store.FlagSubmission{}}
}

func (f *fakeManager) StartSession(_ context.Context, userID, labID string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if labID == "lab-missing" {
		return store.Session{}, session.ErrLabNotFound
	}
	for _, sess := range f.sessions {
		if sess.UserID == userID && store.IsActive(sess.Status) {
			return store.Session{}, session.ErrConflict
		}
	}
	f.nextID++
	now := time.Now().UTC()
	sess := store.Session{
		ID:          "s" + string(rune('0'+f.nextID)),
		UserID:      userID,
		LabID:       labID,
		VMID:        "range-abc",
		Status:      store.StatusRunning,
		NetworkMode: "nat",
		SSHPort:     42001,
		WebPort:     43001,
		StartedAt:   now,
		ExpiresAt:   now.Add(2 * time.Hour),
		UserFlag:    store.FlagSlot{Value: "HTB{user_x}", Points: 25},
		RootFlag:    store.FlagSlot{Value: "HTB{root_x}", Points: 50},
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeManager) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeManager) ListSessions(context.Context) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Session, 0, len(f.sessions))
	for _, sess := range f.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (f *fakeManager) StopSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, session.ErrNotFound
	}
	sess.Status = store.StatusStopped
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeManager) ExtendSession(_ context.Context, id string, minutes int) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, session.ErrNotFound
	}
	if sess.Extensions >= 1 {
		return store.Session{}, session.ErrExtensionLimit
	}
	sess.ExpiresAt = sess.ExpiresAt.Add(time.Duration(minutes) * time.Minute)
	sess.Extensions++
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeManager) Touch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	return nil
}

func (f *fakeManager) SubmitFlag(_ context.Context, id, flagType, value string) (session.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return session.SubmitResult{}, session.ErrNotFound
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return session.SubmitResult{}, session.ErrExpired
	}
	if flagType != store.FlagTypeUser && flagType != store.FlagTypeRoot {
		return session.SubmitResult{}, session.ErrInvalidFlagType
	}
	correct := value == sess.UserFlag.Value
	f.subs[id] = append(f.subs[id], store.FlagSubmission{SessionID: id, FlagType: flagType, IsCorrect: correct})
	return session.SubmitResult{Correct: correct, Points: 25, FlagsFound: 1}, nil
}

func (f *fakeManager) Submissions(_ context.Context, id string) ([]store.FlagSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, session.ErrNotFound
	}
	return f.subs[id], nil
}

func (f *fakeManager) NetworkProfile(_ context.Context, id string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, "", session.ErrNotFound
	}
	if sess.NetworkMode != "bridge" {
		return nil, "", session.ErrInvalidState
	}
	return []byte("client\n"), "session-" + id + ".ovpn", nil
}

func (f *fakeManager) Health(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), nil
}

func (f *fakeManager) Ready(context.Context) error { return nil }

type fakeLabs struct {
	mu   sync.Mutex
	labs map[string]store.Lab
}

func newFakeLabs() *fakeLabs { return &fakeLabs{labs: map[string]store.Lab{}} }

func (f *fakeLabs) CreateLab(lab *store.Lab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labs[lab.ID] = *lab
	return nil
}

func (f *fakeLabs) GetLab(id string) (store.Lab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lab, ok := f.labs[id]
	if !ok {
		return store.Lab{}, store.ErrRecordNotFound
	}
	return lab, nil
}

func (f *fakeLabs) ListLabs() ([]store.Lab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Lab, 0, len(f.labs))
	for _, lab := range f.labs {
		out = append(out, lab)
	}
	return out, nil
}

func newTestServer() (*Server, *fakeManager) {
	mgr := newFakeManager()
	srv := New(config.Default(), mgr, newFakeLabs(), metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, mgr
}

func TestStartSessionEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()

	body := []byte(`{"user_id":"alice","lab_id":"lab-ftp"}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Session.Status != store.StatusRunning {
		t.Fatalf("expected running session, got %s", resp.Session.Status)
	}
	if resp.Connection.SSHPort != 42001 || resp.Connection.VPNRequired {
		t.Fatalf("unexpected connection info: %+v", resp.Connection)
	}
	if strings.Contains(rr.Body.String(), "HTB{") {
		t.Fatal("flag values leaked in response")
	}
}

func TestStartSessionConflict(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()
	body := []byte(`{"user_id":"alice","lab_id":"lab-ftp"}`)
	routes.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var envelope ErrorEnvelope
	_ = json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope.Error.Code != "active_session_exists" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}
}

func TestStartSessionUnknownLab(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()
	body := []byte(`{"user_id":"alice","lab_id":"lab-missing"}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStartSessionMissingFields(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"user_id":"alice"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSubmitFlagEndpoint(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")

	body := []byte(`{"flag_type":"user","flag":"HTB{user_x}"}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/flags", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp SubmitFlagResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Result.Correct || resp.Result.Points != 25 {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestSubmitFlagExpiredSession(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")
	mgr.mu.Lock()
	expired := mgr.sessions[sess.ID]
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	mgr.sessions[sess.ID] = expired
	mgr.mu.Unlock()

	body := []byte(`{"flag_type":"user","flag":"HTB{user_x}"}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/flags", bytes.NewReader(body)))
	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
}

func TestStopSessionEndpoint(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sess.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp StopSessionResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != store.StatusStopped {
		t.Fatalf("expected stopped, got %s", resp.Status)
	}

	// Stop is also exposed as a POST verb.
	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/stop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected second stop 200, got %d", rr.Code)
	}
}

func TestExtendLimitMapped(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")

	body := []byte(`{"extend_minutes":30}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/extend", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/extend", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 at cap, got %d", rr.Code)
	}
}

func TestVPNDownloadHeaders(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")
	mgr.mu.Lock()
	bridged := mgr.sessions[sess.ID]
	bridged.NetworkMode = "bridge"
	mgr.sessions[sess.ID] = bridged
	mgr.mu.Unlock()

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.ID+"/vpn", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "session-"+sess.ID+".ovpn") {
		t.Fatalf("bad content disposition %q", cd)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("profile response cacheable: %q", cc)
	}
}

func TestVPNDownloadNATRejected(t *testing.T) {
	srv, mgr := newTestServer()
	routes := srv.Routes()
	sess, _ := mgr.StartSession(context.Background(), "alice", "lab-ftp")

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.ID+"/vpn", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestLabCreateAndList(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()

	lab := []byte(`{"id":"lab-ftp","name":"Leaky FTP","template_path":"/srv/templates/leaky-ftp.ova"}`)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/labs", bytes.NewReader(lab)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/labs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp LabListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Labs) != 1 {
		t.Fatalf("expected 1 lab, got %d", len(resp.Labs))
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer()
	routes := srv.Routes()

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	var health HealthResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &health)
	if health.Status != "ok" || !health.HypervisorOK {
		t.Fatalf("unexpected health: %+v", health)
	}

	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "range_sessions_active") {
		t.Fatalf("metrics output missing gauges:\n%s", rr.Body.String())
	}
}
