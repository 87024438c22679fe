package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/migrate"
	"draftline/internal/stage"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), stage.NewLocalRegistry(), stage.StaticEvaluator{Score: 8.5, Feedback: "fine"})
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func createTask(t *testing.T, srv *testServer, topic string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"topic": topic,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func waitForStatus(t *testing.T, srv *testServer, taskID string, want domain.Status) TaskResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last TaskResponse
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
		if last.Status == string(want) {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, last.Status)
	return last
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	operator := map[string]string{"X-Actor-Id": "operator-1"}

	created := createTask(t, srv, "Why heat pumps win")

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, operator)
	if startRes.StatusCode != http.StatusAccepted {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startBody))
	}
	gated := waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)
	if gated.ProgressPercent != 100 {
		t.Fatalf("gated progress = %d, want 100", gated.ProgressPercent)
	}

	token, err := IssueToken(testJWTSecret, "reviewer-7")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	reviewer := map[string]string{"Authorization": "Bearer " + token}
	decideRes, decideBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "approve",
	}, reviewer)
	if decideRes.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", decideRes.StatusCode, string(decideBody))
	}
	var approved TaskResponse
	if err := json.Unmarshal(decideBody, &approved); err != nil {
		t.Fatalf("unmarshal approved: %v", err)
	}
	if approved.Status != string(domain.StatusApproved) {
		t.Fatalf("status = %s, want approved", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "reviewer-7" {
		t.Fatalf("approved_by = %v, want the token subject", approved.ApprovedBy)
	}

	pubRes, pubBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/publish", map[string]any{
		"reference": "posts/2026/heat-pumps",
	}, operator)
	if pubRes.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", pubRes.StatusCode, string(pubBody))
	}
	var published TaskResponse
	_ = json.Unmarshal(pubBody, &published)
	if published.Status != string(domain.StatusPublished) {
		t.Fatalf("status = %s, want published", published.Status)
	}
}

func TestDecisionRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	created := createTask(t, srv, "anonymous reviewer")
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, map[string]string{"X-Actor-Id": "op"})
	waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "approve",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without identity, got %d: %s", res.StatusCode, string(body))
	}
}

func TestPublishBeforeApprovalIs422(t *testing.T) {
	srv := newTestServer(t)
	created := createTask(t, srv, "too eager")
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, map[string]string{"X-Actor-Id": "op"})
	waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/publish", map[string]any{
		"reference": "posts/early",
	}, map[string]string{"X-Actor-Id": "op"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s, want invalid_transition", envelope.Error.Code)
	}

	failRes, failBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID+"/failures", nil, nil)
	if failRes.StatusCode != http.StatusOK {
		t.Fatalf("failures status %d", failRes.StatusCode)
	}
	var failures []FailureResponse
	if err := json.Unmarshal(failBody, &failures); err != nil {
		t.Fatalf("unmarshal failures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected the blocked publish recorded, got %d failures", len(failures))
	}
}

func TestRejectWithoutFeedbackIs400(t *testing.T) {
	srv := newTestServer(t)
	created := createTask(t, srv, "needs feedback")
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, map[string]string{"X-Actor-Id": "op"})
	waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "reject",
	}, map[string]string{"X-Actor-Id": "reviewer-1"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for reject without feedback, got %d: %s", res.StatusCode, string(body))
	}
}

func TestStartConflict(t *testing.T) {
	srv := newTestServer(t)
	// block the research stage so the first run holds its lease
	release := make(chan struct{})
	srv.Engine.Stages.Register(domain.StageResearch, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		<-release
		return stage.Output{Content: "notes"}, nil
	}))
	defer close(release)

	created := createTask(t, srv, "contended")
	op := map[string]string{"X-Actor-Id": "op"}
	first, firstBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, op)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first start: %d %s", first.StatusCode, string(firstBody))
	}
	second, secondBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, op)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second start: got %d %s, want 409", second.StatusCode, string(secondBody))
	}
}

func TestHistoryEndpointOrdersBySeq(t *testing.T) {
	srv := newTestServer(t)
	created := createTask(t, srv, "trailed")
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, map[string]string{"X-Actor-Id": "op"})
	waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+created.ID+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(body))
	}
	var items []TransitionResponse
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(items) < 5 {
		t.Fatalf("expected a full trail, got %d rows", len(items))
	}
	for i, tr := range items {
		if tr.Seq != int64(i+1) {
			t.Fatalf("row %d seq = %d, want contiguous order", i, tr.Seq)
		}
	}
	if items[0].OldStatus != nil || items[0].NewStatus != string(domain.StatusPending) {
		t.Fatalf("first row = %v -> %s, want nil -> pending", items[0].OldStatus, items[0].NewStatus)
	}
}

func TestListTasksPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, topic := range []string{"one", "two", "three"} {
		createTask(t, srv, topic)
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedTasks
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %d items, cursor %q", len(page.Items), page.NextCursor)
	}
	res2, body2 := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res2.StatusCode, string(body2))
	}
	var page2 paginatedTasks
	_ = json.Unmarshal(body2, &page2)
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("second page = %d items, cursor %q", len(page2.Items), page2.NextCursor)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	created := createTask(t, srv, "measured")
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/start", nil, map[string]string{"X-Actor-Id": "op"})
	waitForStatus(t, srv, created.ID, domain.StatusAwaitingApproval)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(body))
	}
	var m MetricsResponse
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if m.Total != 1 || m.ByStatus[string(domain.StatusAwaitingApproval)] != 1 {
		t.Fatalf("metrics = %+v, want 1 gated task", m)
	}
}
