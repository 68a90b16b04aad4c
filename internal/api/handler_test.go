package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arena/internal/apperrors"
	"arena/internal/artifact"
	"arena/internal/health"
	"arena/internal/job"
	"arena/internal/ledger"
	"arena/internal/platform"
)

// stubPlatform satisfies platform.Platform for handler tests; the facade only
// touches DeleteUnit, ReadLog and Ready.
type stubPlatform struct {
	readyErr error
	logs     map[string]string
}

func (s *stubPlatform) UnitExists(context.Context, string) (bool, error)          { return false, nil }
func (s *stubPlatform) CreateUnit(context.Context, platform.UnitSpec) error       { return nil }
func (s *stubPlatform) ListUnits(context.Context) ([]platform.Unit, error)        { return nil, nil }
func (s *stubPlatform) ListInstances(context.Context) ([]platform.Instance, error) { return nil, nil }

func (s *stubPlatform) ReadLog(_ context.Context, name string, _ int) (string, error) {
	log, ok := s.logs[name]
	if !ok {
		return "", apperrors.NotFound("instance", name)
	}
	return log, nil
}

func (s *stubPlatform) DeleteUnit(_ context.Context, name string) error {
	return apperrors.NotFound("unit", name)
}

func (s *stubPlatform) Ready(context.Context) error { return s.readyErr }
func (s *stubPlatform) Close() error                { return nil }

type testEnv struct {
	router http.Handler
	store  *ledger.Store
	files  *artifact.Store
	pf     *stubPlatform
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	store, err := ledger.Open("")
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pf := &stubPlatform{logs: make(map[string]string)}
	files := artifact.NewStore(t.TempDir())
	svc := job.NewService(store, pf, files, nil)
	checker := health.NewChecker(pf, store)

	router := NewRouter(RouterConfig{
		JobService:    svc,
		HealthChecker: checker,
		APIKey:        apiKey,
	})
	return &testEnv{router: router, store: store, files: files, pf: pf}
}

func (e *testEnv) submit(t *testing.T) job.Job {
	t.Helper()
	body := `{"competitionUrl": "https://kaggle.com/competitions/titanic", "priority": 2}`
	rec := e.do(t, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	var created job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return created
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	created := env.submit(t)
	if created.ID == "" {
		t.Error("expected a job ID")
	}
	if created.Status != job.StatusPending {
		t.Errorf("expected pending, got %q", created.Status)
	}
	if created.UnitName == "" {
		t.Error("expected a unit name")
	}
}

func TestCreateJob_ValidationError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/jobs", `{"competitionUrl": "https://kaggle.com/datasets/titanic"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateJob_MalformedBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/jobs", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateJob_WrongContentType(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("url=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	created := env.submit(t)
	rec := env.do(t, http.MethodGet, "/v1/jobs/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected job %q, got %q", created.ID, got.ID)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	created := env.submit(t)
	rec := env.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	// The record is now terminal; a second cancel conflicts.
	rec = env.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on double cancel, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	env.submit(t)
	env.submit(t)

	rec := env.do(t, http.MethodGet, "/v1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Jobs  []job.Job `json:"jobs"`
		Count int       `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Jobs) != 2 {
		t.Errorf("expected 2 jobs, got count=%d len=%d", resp.Count, len(resp.Jobs))
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs?status=done", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestJobResult(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()

	created := env.submit(t)

	// Pending job has no result yet.
	rec := env.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/result", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before success, got %d", rec.Code)
	}

	// Walk the record to success and deposit the artifact.
	for _, status := range []job.Status{job.StatusQueued, job.StatusRunning, job.StatusSuccess} {
		s := status
		if _, err := env.store.Update(ctx, created.ID, job.Update{Status: &s}); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
	}
	path := env.files.Path(created.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("id,prediction\n1,0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "id,prediction") {
		t.Errorf("expected CSV payload, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "submission.csv") {
		t.Errorf("unexpected content disposition %q", got)
	}
}

func TestJobLogs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()

	created := env.submit(t)

	// No instance bound yet.
	rec := env.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/logs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before an instance runs, got %d", rec.Code)
	}

	instance := created.UnitName + "-x1"
	queued := job.StatusQueued
	if _, err := env.store.Update(ctx, created.ID, job.Update{Status: &queued, InstanceName: &instance}); err != nil {
		t.Fatalf("Failed to bind instance: %v", err)
	}
	env.pf.logs[instance] = "epoch 1 done\n"

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/logs?tail=50", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "epoch 1 done") {
		t.Errorf("expected log content, got %q", rec.Body.String())
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	env.submit(t)

	rec := env.do(t, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats job.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[job.StatusPending] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "secret-key")

	// Missing credentials.
	rec := env.do(t, http.MethodGet, "/v1/jobs", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	// Wrong key.
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}

	// Correct key.
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with correct key, got %d", rec.Code)
	}

	// Probes stay open.
	rec = env.do(t, http.MethodGet, "/livez", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected livez to skip auth, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when dependencies are up, got %d", rec.Code)
	}
}

func TestReadyz_PlatformDown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.pf.readyErr = errors.New("daemon unreachable")

	rec := env.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when platform is down, got %d", rec.Code)
	}
}
