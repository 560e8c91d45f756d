package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/rollupd/internal/config"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/pkg/model"
)

type fakeCore struct {
	refreshErr  error
	lastRC      *model.RequestContext
	lastRefresh model.ScheduledRefreshOptions
	lastPreAggs model.PreAggregationsQueryingOptions
	lastQuery   model.QueryRequest
	loadErr     error
	buildErr    error
	connErr     error
	runs        []*model.RefreshRun
	lastList    model.ListOptions
	jobs        map[string]model.BuildJobStatus
	lastTokens  []string
}

func (f *fakeCore) RunScheduledRefresh(_ context.Context, rc *model.RequestContext, opts model.ScheduledRefreshOptions) (*model.RefreshResult, error) {
	f.lastRC, f.lastRefresh = rc, opts
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &model.RefreshResult{Finished: true}, nil
}

func (f *fakeCore) PreAggregationPartitions(_ context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]model.PreAggregationPartitions, error) {
	f.lastRC, f.lastPreAggs = rc, opts
	return []model.PreAggregationPartitions{{
		Timezones:      opts.Timezones,
		PreAggregation: model.PreAggregation{ID: opts.PreAggregations[0].ID},
		Partitions:     []model.Partition{{TableName: "orders_daily20240101"}},
		Errors:         []string{},
	}}, nil
}

func (f *fakeCore) BuildPreAggregations(_ context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) error {
	f.lastRC, f.lastPreAggs = rc, opts
	return f.buildErr
}

func (f *fakeCore) PostBuildJobs(_ context.Context, rc *model.RequestContext, opts model.PreAggregationsQueryingOptions) ([]string, error) {
	f.lastRC, f.lastPreAggs = rc, opts
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	if f.jobs == nil {
		f.jobs = map[string]model.BuildJobStatus{}
	}
	var tokens []string
	for i, sel := range opts.PreAggregations {
		token := fmt.Sprintf("token-%d", i)
		f.jobs[token] = model.BuildJobStatus{Token: token, Status: model.JobPosted, PreAggregationID: sel.ID}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (f *fakeCore) GetCachedBuildJobs(_ context.Context, rc *model.RequestContext, tokens []string) ([]model.BuildJobStatus, error) {
	f.lastRC, f.lastTokens = rc, tokens
	out := make([]model.BuildJobStatus, len(tokens))
	for i, token := range tokens {
		if job, ok := f.jobs[token]; ok {
			out[i] = job
		} else {
			out[i] = model.StatusOf(token, nil)
		}
	}
	return out, nil
}

func (f *fakeCore) Load(_ context.Context, rc *model.RequestContext, req model.QueryRequest) (*model.Result, error) {
	f.lastRC, f.lastQuery = rc, req
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &model.Result{Data: []map[string]any{{"orders__count": 3.0}}, DBType: "postgres"}, nil
}

func (f *fakeCore) TestConnections(context.Context) error { return f.connErr }

func (f *fakeCore) RefreshRuns(_ context.Context, opts model.ListOptions) ([]*model.RefreshRun, int, error) {
	f.lastList = opts
	return f.runs, len(f.runs), nil
}

func (f *fakeCore) RefreshRun(_ context.Context, id string) (*model.RefreshRun, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func testServer(core *fakeCore) *Server {
	return New(config.DefaultServerConfig(), core, logging.Discard())
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv := testServer(&fakeCore{})
	env := do(t, srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "rollupd API" {
		t.Errorf("name = %q, want rollupd API", data.Name)
	}
	if len(data.Endpoints) < 8 {
		t.Errorf("endpoints count = %d, want >= 8", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.ScheduledRefresh.Enabled = true
	cfg.ScheduledRefresh.Timer = 30 * time.Second
	srv := New(cfg, &fakeCore{}, logging.Discard())
	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != Version {
		t.Errorf("health = %+v", data)
	}
	if data.ScheduledRefresh != "every 30s" {
		t.Errorf("scheduled_refresh = %q", data.ScheduledRefresh)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := testServer(&fakeCore{})
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "poll-1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "poll-1" {
		t.Errorf("X-Request-ID = %q, want poll-1", got)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("generated X-Request-ID = %q, want req_ prefix", got)
	}
}

func TestMetrics(t *testing.T) {
	srv := testServer(&fakeCore{})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing runtime collectors")
	}

	do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `rollupd_http_request_duration_seconds_count{route="/api/v1/health",status="200"}`) {
		t.Error("metrics output missing request latency for the health route")
	}
}

func TestRunScheduledRefresh(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)
	body := `{"securityContext":{"tenantId":"a"},"timezones":["UTC","Asia/Tokyo"],"concurrency":2,"workerIndices":[1],"preAggregationsWarmup":true}`
	env := do(t, srv, "POST", "/api/v1/refresh/run", body, http.StatusOK)

	var res model.RefreshResult
	json.Unmarshal(env.Data, &res)
	if !res.Finished {
		t.Error("finished = false")
	}
	want := model.ScheduledRefreshOptions{
		Timezones:             []string{"UTC", "Asia/Tokyo"},
		Concurrency:           2,
		WorkerIndices:         []int{1},
		PreAggregationsWarmup: true,
	}
	if diff := cmp.Diff(want, core.lastRefresh); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	if core.lastRC.SecurityContext["tenantId"] != "a" || core.lastRC.RequestID != env.RequestID {
		t.Errorf("request context = %+v", core.lastRC)
	}
}

func TestRunScheduledRefresh_Validation(t *testing.T) {
	srv := testServer(&fakeCore{})
	env := do(t, srv, "POST", "/api/v1/refresh/run", `{"concurrency":2,"workerIndices":[2]}`, http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, srv, "POST", "/api/v1/refresh/run", `not json`, http.StatusBadRequest)
}

func TestRunScheduledRefresh_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   model.ErrorCode
	}{
		{"continue wait", &model.ContinueWaitError{}, http.StatusAccepted, model.ErrContinueWait},
		{"query error", &model.QueryError{Message: "syntax error"}, http.StatusBadRequest, model.ErrQuery},
		{"unsupported", model.ErrUnsupportedPreAggregation, http.StatusBadRequest, model.ErrValidation},
		{"not found", model.NewNotFoundError("pre-aggregation", "x"), http.StatusNotFound, model.ErrNotFound},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, model.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakeCore{refreshErr: tt.err})
			env := do(t, srv, "POST", "/api/v1/refresh/run", `{"throwErrors":true}`, tt.wantStatus)
			if env.Status != "error" || env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

func TestListRefreshRuns(t *testing.T) {
	now := time.Now().UTC()
	core := &fakeCore{runs: []*model.RefreshRun{
		{ID: "run_1", RequestID: "scheduler-a", TenantKey: "{}", Finished: true, StartedAt: now},
		{ID: "run_2", RequestID: "scheduler-b", TenantKey: "{}", StartedAt: now},
	}}
	srv := testServer(core)

	env := do(t, srv, "GET", "/api/v1/refresh/runs?limit=500&offset=0&tenant=%7B%7D", "", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 2 || env.Pagination.Limit != 100 {
		t.Errorf("pagination = %+v", env.Pagination)
	}
	if core.lastList.Tenant != "{}" {
		t.Errorf("tenant filter = %q", core.lastList.Tenant)
	}
	var runs []model.RefreshRun
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 2 {
		t.Errorf("runs = %d, want 2", len(runs))
	}

	do(t, srv, "GET", "/api/v1/refresh/runs?limit=abc", "", http.StatusBadRequest)

	env = do(t, srv, "GET", "/api/v1/refresh/runs/run_2", "", http.StatusOK)
	var run model.RefreshRun
	json.Unmarshal(env.Data, &run)
	if run.RequestID != "scheduler-b" {
		t.Errorf("run = %+v", run)
	}
	do(t, srv, "GET", "/api/v1/refresh/runs/run_9", "", http.StatusNotFound)
}

func TestPreAggregationPartitions(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)
	body := `{"timezones":["UTC"],"preAggregations":[{"id":"Orders.daily","partitions":["orders_daily20240101"]}],"preAggregationLoadConcurrency":2}`
	env := do(t, srv, "POST", "/api/v1/pre-aggregations/partitions", body, http.StatusOK)

	var plans []model.PreAggregationPartitions
	json.Unmarshal(env.Data, &plans)
	if len(plans) != 1 || plans[0].PreAggregation.ID != "Orders.daily" {
		t.Fatalf("plans = %+v", plans)
	}
	if core.lastPreAggs.LoadConcurrency != 2 {
		t.Errorf("load concurrency = %d", core.lastPreAggs.LoadConcurrency)
	}
	if diff := cmp.Diff([]string{"orders_daily20240101"}, core.lastPreAggs.PreAggregations[0].Partitions); diff != "" {
		t.Errorf("partition filter (-want +got):\n%s", diff)
	}

	do(t, srv, "POST", "/api/v1/pre-aggregations/partitions", `{"preAggregations":[]}`, http.StatusBadRequest)
	do(t, srv, "POST", "/api/v1/pre-aggregations/partitions", `{"preAggregations":[{"cacheOnly":true}]}`, http.StatusBadRequest)
}

func TestBuildPreAggregations(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)

	env := do(t, srv, "POST", "/api/v1/pre-aggregations/build", `{"preAggregations":[{"id":"Orders.daily"}]}`, http.StatusAccepted)
	var res buildResponse
	json.Unmarshal(env.Data, &res)
	if res.Finished {
		t.Error("background build reported as finished")
	}
	if core.lastPreAggs.ForceBuildPreAggregations != nil {
		t.Error("force build should stay unset so the default applies")
	}

	env = do(t, srv, "POST", "/api/v1/pre-aggregations/build",
		`{"preAggregations":[{"id":"Orders.daily"}],"throwErrors":true,"forceBuildPreAggregations":false}`, http.StatusOK)
	json.Unmarshal(env.Data, &res)
	if !res.Finished {
		t.Error("synchronous build not finished")
	}
	if f := core.lastPreAggs.ForceBuildPreAggregations; f == nil || *f {
		t.Errorf("force build = %v, want false", f)
	}

	core.buildErr = &model.QueryError{Message: "relation does not exist"}
	do(t, srv, "POST", "/api/v1/pre-aggregations/build", `{"preAggregations":[{"id":"Orders.daily"}],"throwErrors":true}`, http.StatusBadRequest)
}

func TestBuildJobs(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)

	env := do(t, srv, "POST", "/api/v1/pre-aggregations/jobs",
		`{"preAggregations":[{"id":"Orders.daily"},{"id":"Orders.monthly"}],"timezones":["UTC"],"securityContext":{"tenantId":"a"}}`,
		http.StatusAccepted)
	var posted jobsResponse
	json.Unmarshal(env.Data, &posted)
	if diff := cmp.Diff([]string{"token-0", "token-1"}, posted.Tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if core.lastRC.SecurityContext["tenantId"] != "a" {
		t.Errorf("security context = %v", core.lastRC.SecurityContext)
	}

	core.jobs["token-1"] = model.BuildJobStatus{Token: "token-1", Status: model.JobDone, PreAggregationID: "Orders.monthly", Table: "orders_monthly_0"}
	env = do(t, srv, "POST", "/api/v1/pre-aggregations/jobs/status",
		`{"tokens":["token-0","token-1","nope"],"securityContext":{"tenantId":"a"}}`, http.StatusOK)
	var jobs []model.BuildJobStatus
	json.Unmarshal(env.Data, &jobs)
	want := []model.BuildJobStatus{
		{Token: "token-0", Status: model.JobPosted, PreAggregationID: "Orders.daily"},
		{Token: "token-1", Status: model.JobDone, PreAggregationID: "Orders.monthly", Table: "orders_monthly_0"},
		{Token: "nope", Status: model.JobNotFound},
	}
	if diff := cmp.Diff(want, jobs); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}
	if core.lastRC.SecurityContext["tenantId"] != "a" {
		t.Errorf("status security context = %v", core.lastRC.SecurityContext)
	}
}

func TestBuildJobs_Validation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"no pre-aggregations", "/api/v1/pre-aggregations/jobs", `{}`},
		{"pre-aggregation without id", "/api/v1/pre-aggregations/jobs", `{"preAggregations":[{}]}`},
		{"no tokens", "/api/v1/pre-aggregations/jobs/status", `{"tokens":[]}`},
		{"bad json", "/api/v1/pre-aggregations/jobs/status", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			do(t, testServer(&fakeCore{}), "POST", tt.path, tt.body, http.StatusBadRequest)
		})
	}
}

func TestLoad(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)
	body := `{"query":{"measures":["Orders.count"],"timezone":"UTC"},"securityContext":{"tenantId":"a"}}`
	env := do(t, srv, "POST", "/api/v1/load", body, http.StatusOK)

	var res model.Result
	json.Unmarshal(env.Data, &res)
	if res.DBType != "postgres" || len(res.Data) != 1 {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff(model.QueryRequest{Measures: []string{"Orders.count"}, Timezone: "UTC"}, core.lastQuery); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}

	do(t, srv, "POST", "/api/v1/load", `{"query":{}}`, http.StatusBadRequest)
}

func TestLoad_ContinueWait(t *testing.T) {
	stage := &model.QueryStage{Stage: "Building pre-aggregation 1/2", TimeElapsed: time.Second}
	srv := testServer(&fakeCore{loadErr: &model.ContinueWaitError{Stage: stage}})
	env := do(t, srv, "POST", "/api/v1/load", `{"query":{"measures":["Orders.count"]}}`, http.StatusAccepted)
	if env.Error == nil || env.Error.Code != model.ErrContinueWait || env.Error.Message != model.ContinueWaitMessage {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.Stage == nil || env.Error.Stage.Stage != stage.Stage {
		t.Errorf("stage = %+v", env.Error.Stage)
	}
}

func TestTestConnections(t *testing.T) {
	core := &fakeCore{}
	srv := testServer(core)
	do(t, srv, "POST", "/api/v1/connections/test", "", http.StatusOK)

	core.connErr = errors.New("connection refused")
	env := do(t, srv, "POST", "/api/v1/connections/test", "", http.StatusServiceUnavailable)
	if env.Error == nil || !strings.Contains(env.Error.Message, "refused") {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(&fakeCore{})
	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
