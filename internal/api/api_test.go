package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aqueduct/internal/executor"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/tasks"
)

// fakeService records requests and replays canned answers.
type fakeService struct {
	mu         sync.Mutex
	requests   []executor.Request
	filters    []models.TaskFilter
	extensions []*models.Extension
	task       *models.Task
	err        error
}

func (f *fakeService) Execute(ctx context.Context, req executor.Request) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.task
	task := &cp
	if req.Blocking {
		task.Status = models.StatusSuccess
	}
	return task, nil
}

func (f *fakeService) Cancel(ctx context.Context, id string) (*models.Task, error) {
	return f.GetTask(ctx, id)
}

func (f *fakeService) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id != f.task.ID {
		return nil, &models.NotFoundError{Kind: "task", Name: id}
	}
	cp := *f.task
	return &cp, nil
}

func (f *fakeService) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if filter.Limit > 100 {
		return nil, fmt.Errorf("%w: limit %d exceeds maximum page size 100", models.ErrValidation, filter.Limit)
	}
	return nil, nil
}

func (f *fakeService) ListExtensions() []*models.Extension { return f.extensions }

func (f *fakeService) GetExtension(name string) (*models.Extension, error) {
	for _, ext := range f.extensions {
		if ext.Name == name {
			return ext, nil
		}
	}
	return nil, &models.NotFoundError{Kind: "extension", Name: name}
}

func newFake() *fakeService {
	def := "hello"
	return &fakeService{
		extensions: []*models.Extension{{
			Name:        "demo",
			Description: "Runs **demo** actions.",
			Actions: []*models.Action{{
				Name:        "echo",
				Description: "Echoes its input.",
				Parameters: []*models.Parameter{
					{Name: "var1", Description: "text", DataType: models.TypeString, DefaultValue: &def},
					{Name: "mode", Description: "mode", DataType: models.TypeSelect, Options: []string{"a", "b"}},
				},
			}},
		}},
		task: &models.Task{
			ID:         "task-1",
			Experiment: "20240229-5689864ffd94",
			Extension:  "demo",
			Action:     "echo",
			Status:     models.StatusPending,
			ReceivedAt: time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
		},
	}
}

func serve(t *testing.T, svc Service, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(svc, nil)
	srv.EnableMetrics()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := serve(t, newFake(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, newFake(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aqueduct_tasks_active")
}

func TestListExtensions(t *testing.T) {
	rec := serve(t, newFake(), http.MethodGet, "/api/extensions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []extensionView
	decode(t, rec, &got)
	require.Len(t, got, 1)
	ext := got[0]
	assert.Equal(t, "demo", ext.Name)
	assert.Equal(t, "demo", ext.DisplayName)
	assert.Equal(t, []string{}, ext.Authors)
	assert.Contains(t, ext.DescriptionHTML, "<strong>demo</strong>")
	require.Len(t, ext.Actions, 1)
	require.Len(t, ext.Actions[0].Parameters, 2)
	assert.Equal(t, "str", ext.Actions[0].Parameters[0].DataType)
	require.NotNil(t, ext.Actions[0].Parameters[0].Default)
	assert.Equal(t, "hello", *ext.Actions[0].Parameters[0].Default)
	assert.Equal(t, []string{"a", "b"}, ext.Actions[0].Parameters[1].Options)
}

func TestGetExtension(t *testing.T) {
	rec := serve(t, newFake(), http.MethodGet, "/api/extensions/demo", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, newFake(), http.MethodGet, "/api/extensions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "not_found", body.Error.Type)
	assert.Contains(t, body.Error.Message, "nope")
}

func TestExecute(t *testing.T) {
	fake := newFake()
	rec := serve(t, fake, http.MethodPost, "/api/extensions/demo/actions/echo/execute",
		`{"experiment":"20240229-5689864ffd94","params":{"var1":"text","var2":1,"var3":2.2,"flag":true},"timeout_seconds":90}`,
		map[string]string{RequesterHeader: "admin"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var task models.Task
	decode(t, rec, &task)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, models.StatusPending, task.Status)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "demo", req.Extension)
	assert.Equal(t, "echo", req.Action)
	assert.Equal(t, "20240229-5689864ffd94", req.ExperimentRef)
	assert.Equal(t, map[string]string{"var1": "text", "var2": "1", "var3": "2.2", "flag": "true"}, req.Params)
	assert.Equal(t, "admin", req.Requester)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.False(t, req.Blocking)
}

func TestExecuteBlockingReturnsOK(t *testing.T) {
	rec := serve(t, newFake(), http.MethodPost, "/api/extensions/demo/actions/echo/execute",
		`{"experiment":"20240229-5689864ffd94","blocking":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task models.Task
	decode(t, rec, &task)
	assert.Equal(t, models.StatusSuccess, task.Status)
}

func TestExecuteBadBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"params":`},
		{name: "object parameter", body: `{"params":{"var1":{"nested":true}}}`},
		{name: "null parameter", body: `{"params":{"var1":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake()
			rec := serve(t, fake, http.MethodPost, "/api/extensions/demo/actions/echo/execute", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, fake.requests)
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: &models.NotFoundError{Kind: "action", Name: "demo/nope"}, want: http.StatusNotFound},
		{name: "parameter", err: &models.ParameterError{Parameter: "var2", Reason: "not an integer"}, want: http.StatusBadRequest},
		{name: "parameter set", err: models.NewParameterSetError([]string{"var1"}, nil), want: http.StatusBadRequest},
		{name: "queue full", err: executor.ErrQueueFull, want: http.StatusServiceUnavailable},
		{name: "closed", err: executor.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "configuration", err: &models.ConfigError{Path: "/x", Err: errors.New("duplicate")}, want: http.StatusInternalServerError},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake()
			fake.err = tt.err
			rec := serve(t, fake, http.MethodPost, "/api/extensions/demo/actions/echo/execute", `{}`, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestTasks(t *testing.T) {
	fake := newFake()

	rec := serve(t, fake, http.MethodGet, "/api/tasks/task-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, fake, http.MethodGet, "/api/tasks/other", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, fake, http.MethodPost, "/api/tasks/task-1/cancel", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, fake, http.MethodGet, "/api/tasks/task-1/cancel", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	fake.err = fmt.Errorf("cancel task task-1 (STARTED): %w", tasks.ErrNotOwned)
	rec = serve(t, fake, http.MethodPost, "/api/tasks/task-1/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conflict"`)
}

func TestListTasks(t *testing.T) {
	fake := newFake()

	rec := serve(t, fake, http.MethodGet, "/api/tasks?extension=demo&action=echo&experiment=20240229-abc&requester=admin&limit=10&offset=20", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	require.Len(t, fake.filters, 1)
	assert.Equal(t, models.TaskFilter{
		Extension: "demo", Action: "echo", Experiment: "20240229-abc", Requester: "admin", Limit: 10, Offset: 20,
	}, fake.filters[0])

	rec = serve(t, fake, http.MethodGet, "/api/tasks?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, fake, http.MethodGet, "/api/tasks?limit=1000", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenderMarkdown(t *testing.T) {
	assert.Equal(t, "", renderMarkdown(""))
	assert.Equal(t, "<p><em>hi</em></p>\n", renderMarkdown("*hi*"))
	assert.NotContains(t, renderMarkdown("<script>alert(1)</script>"), "<script>")
}
