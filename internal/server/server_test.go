package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("gateline-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.SyncRBAC(context.Background()); err != nil {
		t.Fatalf("sync rbac: %v", err)
	}
	grantOwner(t, e, "tester")
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func grantOwner(t *testing.T, e engine.Engine, actorID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, "owner"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerTestDataset(t *testing.T, srv *testServer) DatasetResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/datasets", map[string]any{
		"title":         "Cardiology cohort",
		"topic":         "cardiology",
		"topic_version": "v1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register dataset status %d: %s", res.StatusCode, string(data))
	}
	var created DatasetResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal dataset: %v", err)
	}
	if created.State != "DRAFT" {
		t.Fatalf("expected DRAFT, got %s", created.State)
	}
	return created
}

func TestRegisterAndTransitionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerTestDataset(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/transition", map[string]any{
		"target": "SPEC_DEFINED",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(body))
	}
	var moved DatasetResponse
	if err := json.Unmarshal(body, &moved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if moved.State != "SPEC_DEFINED" {
		t.Fatalf("expected SPEC_DEFINED, got %s", moved.State)
	}

	auditRes, auditBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?dataset_id="+created.ID, nil, nil)
	if auditRes.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", auditRes.StatusCode, string(auditBody))
	}
	var page paginatedAuditEntries
	if err := json.Unmarshal(auditBody, &page); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(page.Items) < 2 {
		t.Fatalf("expected register + transition audit entries, got %d", len(page.Items))
	}
}

func TestInvalidTransitionReturnsEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerTestDataset(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/transition", map[string]any{
		"target": "FROZEN",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
	if envelope.Error.Message == "" {
		t.Fatalf("expected a message in the envelope")
	}
}

func TestGatedTransitionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerTestDataset(t, srv)
	for _, target := range []string{"SPEC_DEFINED", "EXTRACTION_COMPLETE"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/transition", map[string]any{
			"target": target,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", target, res.StatusCode, string(body))
		}
	}

	// QA_PASSED is attestation-gated.
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/transition", map[string]any{
		"target": "QA_PASSED",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without attestation, got %d: %s", res.StatusCode, string(body))
	}

	attRes, attBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/attestations", map[string]any{
		"target_state": "QA_PASSED",
		"affirmed": []string{
			"Row and column counts match the extraction specification",
			"The PHI scan for this extraction completed with a passing or overridden status",
			"Out-of-range and null-heavy fields have been reviewed",
			"Known source-system caveats are documented in the dataset notes",
		},
	}, nil)
	if attRes.StatusCode != http.StatusCreated {
		t.Fatalf("attest status %d: %s", attRes.StatusCode, string(attBody))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/transition", map[string]any{
		"target": "QA_PASSED",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition after attestation: %d %s", res.StatusCode, string(body))
	}
}

func TestPhiScanAndGateStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerTestDataset(t, srv)

	statusRes, statusBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/"+created.ID+"/phi/pre-analysis/status", nil, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("gate status: %d %s", statusRes.StatusCode, string(statusBody))
	}
	var gate map[string]any
	_ = json.Unmarshal(statusBody, &gate)
	if gate["status"] != "UNCHECKED" {
		t.Fatalf("expected UNCHECKED default, got %v", gate["status"])
	}

	scanRes, scanBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/"+created.ID+"/phi/scans", map[string]any{
		"gate_id": "pre-analysis",
		"status":  "FAIL",
		"findings": []map[string]any{
			{"category": "mrn", "value": "[redacted]", "location": "row 12", "confidence": 0.97},
		},
	}, nil)
	if scanRes.StatusCode != http.StatusCreated {
		t.Fatalf("record scan: %d %s", scanRes.StatusCode, string(scanBody))
	}

	statusRes, statusBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/"+created.ID+"/phi/pre-analysis/status", nil, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("gate status: %d %s", statusRes.StatusCode, string(statusBody))
	}
	_ = json.Unmarshal(statusBody, &gate)
	if gate["status"] != "FAIL" || gate["can_proceed"] != false {
		t.Fatalf("expected blocking FAIL, got %v", gate)
	}
}

func TestCreateAPIKeyWithoutName(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(body))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected the raw key in the creation response")
	}
	if created.Name != "" {
		t.Fatalf("name = %q, want empty", created.Name)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestMissingAuthRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/datasets", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}
