package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentworkbench/internal/bridge"
	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/lifecycle"
	"github.com/ashureev/agentworkbench/internal/msgstore"
	"github.com/ashureev/agentworkbench/internal/mux"
	"github.com/ashureev/agentworkbench/internal/registry"
	"github.com/ashureev/agentworkbench/internal/throttle"
)

type fakeAdapter struct{}

func (fakeAdapter) HasSession(ctx context.Context, name string) (bool, error) { return false, nil }
func (fakeAdapter) NewSession(ctx context.Context, name, cwd, initialCommand string) error {
	return nil
}
func (fakeAdapter) KillSession(ctx context.Context, name string) error { return nil }
func (fakeAdapter) ListSessions(ctx context.Context) ([]string, error) { return nil, nil }
func (fakeAdapter) ListPanes(ctx context.Context, name string) ([]mux.PaneRef, error) {
	return []mux.PaneRef{{Session: name, Pane: name + ":0.0"}}, nil
}
func (fakeAdapter) CapturePane(ctx context.Context, ref mux.PaneRef, lines int) (string, error) {
	return "", nil
}
func (fakeAdapter) SendKeys(ctx context.Context, ref mux.PaneRef, text string, enter bool) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	b := bus.New(16)
	reg, err := registry.New(filepath.Join(dir, "sessions.json"), filepath.Join(dir, "index.db"), b)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	lc := lifecycle.New(reg, fakeAdapter{}, 10, "echo agent")
	th := throttle.New(20, 128, false, "")
	t.Cleanup(func() { th.Shutdown() })
	br := bridge.New(reg, lc, fakeAdapter{}, b, th, nil, time.Hour, 50)

	store, err := msgstore.Open(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("msgstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return New(br, store, b, nil, nil, nil)
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	s := newTestServer(t)
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

func TestHealthReportsOK(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}
}

func TestCreateListAndGetSession(t *testing.T) {
	r := newTestRouter(t)

	createBody, _ := json.Marshal(map[string]string{"name": "alpha", "projectPath": "/tmp/alpha"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatal("expected non-empty session id")
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionRequiresNameAndProjectPath(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	mw := CORS([]string{"https://example.com"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q, want true", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	mw := CORS([]string{"https://example.com"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}
