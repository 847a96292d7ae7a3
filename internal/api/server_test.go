package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/auth"
	"github.com/tapebackarr/tapebackarr/internal/compressionworker"
	"github.com/tapebackarr/tapebackarr/internal/coordinator"
	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/scanworker"
	"github.com/tapebackarr/tapebackarr/internal/staging"
)

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger, _ := logging.NewLogger("error", "json", "")
	store := metastore.New(db, logger)

	stagingCfg := staging.Config{Mode: staging.Direct}
	compressCfg := compressionworker.Config{IdleSleep: 10 * time.Millisecond, MaxIdleChecks: 3}
	coord := coordinator.New(store, &noopScanner{}, &noopCompressor{}, &noopSink{}, &noopTapeOps{},
		nil, logger, 10_000, time.Second, stagingCfg, compressCfg)

	authService := auth.NewService(db, "test-secret", 1)

	return NewServer(store, coord, authService, logger), db
}

type noopScanner struct{}

func (noopScanner) Scan(ctx context.Context, sourcePaths, excludePatterns []string, visit func(scanworker.Entry) error) error {
	return nil
}

type noopCompressor struct{}

func (noopCompressor) CompressGroup(ctx context.Context, files []models.BackupFile, tempPath string, progress func(int64)) (compressionworker.CompressResult, error) {
	return compressionworker.CompressResult{}, nil
}

type noopSink struct{}

func (noopSink) EnqueueArchive(ctx context.Context, archivePath string, chunkNumber int) error {
	return nil
}

type noopTapeOps struct{}

func (noopTapeOps) ErasePreserveLabel(ctx context.Context, useCurrentYearMonth bool) error {
	return nil
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func loginAsAdmin(t *testing.T, srv *Server, db *database.DB) string {
	t.Helper()
	authService := srv.authService
	if _, err := authService.CreateUser("admin", "s3cret-pass", models.RoleAdmin); err != nil {
		t.Fatalf("create user: %v", err)
	}
	rr := doRequest(srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "s3cret-pass",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, db := newTestServer(t)
	loginAsAdmin(t, srv, db)

	rr := doRequest(srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestTaskRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/tasks/", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateListGetDeleteTask(t *testing.T) {
	srv, db := newTestServer(t)
	token := loginAsAdmin(t, srv, db)

	createBody := map[string]any{
		"name":            "nightly",
		"type":            "FULL",
		"source_paths":    []string{"/data"},
		"retention_days":  30,
		"schedule_cron":   "0 0 2 * * *",
	}
	rr := doRequest(srv, http.MethodPost, "/api/v1/tasks/", token, createBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create task: status %d body %s", rr.Code, rr.Body.String())
	}
	var created models.BackupTask
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.ID == 0 || !created.IsTemplate {
		t.Fatalf("unexpected created task: %+v", created)
	}

	rr = doRequest(srv, http.MethodGet, "/api/v1/tasks/", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list tasks: status %d", rr.Code)
	}
	var tasks []models.BackupTask
	if err := json.Unmarshal(rr.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode task list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	rr = doRequest(srv, http.MethodGet, "/api/v1/tasks/999999", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodDelete, "/api/v1/tasks/"+itoa(created.ID), token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete task: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, http.MethodDelete, "/api/v1/tasks/"+itoa(created.ID), token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting already-deleted task, got %d", rr.Code)
	}
}

func TestRunTaskThenCancelTask(t *testing.T) {
	srv, db := newTestServer(t)
	token := loginAsAdmin(t, srv, db)

	rr := doRequest(srv, http.MethodPost, "/api/v1/tasks/", token, map[string]any{
		"name":         "nightly",
		"type":         "FULL",
		"source_paths": []string{"/data"},
	})
	var created models.BackupTask
	json.Unmarshal(rr.Body.Bytes(), &created)

	rr = doRequest(srv, http.MethodPost, "/api/v1/tasks/"+itoa(created.ID)+"/run", token, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("run task: status %d body %s", rr.Code, rr.Body.String())
	}
	var runResult coordinator.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &runResult); err != nil {
		t.Fatalf("decode run result: %v", err)
	}

	rr = doRequest(srv, http.MethodPost, "/api/v1/tasks/"+itoa(runResult.TaskID)+"/cancel", token, nil)
	if rr.Code != http.StatusOK && rr.Code != http.StatusNotFound {
		t.Fatalf("cancel task: unexpected status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestUserRoutesRequireAdmin(t *testing.T) {
	srv, db := newTestServer(t)
	adminToken := loginAsAdmin(t, srv, db)

	rr := doRequest(srv, http.MethodPost, "/api/v1/users/", adminToken, map[string]any{
		"username": "operator1",
		"password": "pw-long-enough",
		"role":     models.RoleOperator,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: status %d body %s", rr.Code, rr.Body.String())
	}

	operatorLogin := doRequest(srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "operator1",
		"password": "pw-long-enough",
	})
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(operatorLogin.Body.Bytes(), &resp)

	rr = doRequest(srv, http.MethodGet, "/api/v1/users/", resp.Token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
