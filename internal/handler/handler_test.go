package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/dispatch"
	"github.com/zachbroad/hookline/internal/events"
	"github.com/zachbroad/hookline/internal/model"
	"github.com/zachbroad/hookline/internal/trigger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWebhooks struct {
	hooks map[uuid.UUID]*model.Webhook
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{hooks: map[uuid.UUID]*model.Webhook{}}
}

func (f *fakeWebhooks) Find(_ context.Context, id uuid.UUID) (*model.Webhook, error) {
	w, ok := f.hooks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWebhooks) FindAll(_ context.Context, _ model.Filter, _, _ int) ([]model.Webhook, error) {
	var out []model.Webhook
	for _, w := range f.hooks {
		out = append(out, *w)
	}
	return out, nil
}

func (f *fakeWebhooks) Count(_ context.Context, _ model.Filter) (int64, error) {
	return int64(len(f.hooks)), nil
}

func (f *fakeWebhooks) Save(_ context.Context, w *model.Webhook) (uuid.UUID, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	cp := *w
	f.hooks[w.ID] = &cp
	return w.ID, nil
}

func (f *fakeWebhooks) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	w, ok := f.hooks[id]
	if !ok {
		return model.ErrNotFound
	}
	w.IsActive = active
	return nil
}

func (f *fakeWebhooks) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.hooks[id]; !ok {
		return model.ErrNotFound
	}
	delete(f.hooks, id)
	return nil
}

type fakeRoutes struct {
	routes map[uuid.UUID]*model.Route
}

func newFakeRoutes(routes ...*model.Route) *fakeRoutes {
	f := &fakeRoutes{routes: map[uuid.UUID]*model.Route{}}
	for _, r := range routes {
		f.routes[r.ID] = r
	}
	return f
}

func (f *fakeRoutes) Get(_ context.Context, id uuid.UUID) (*model.Route, error) {
	r, ok := f.routes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoutes) FindByPath(_ context.Context, path string) (*model.Route, error) {
	for _, r := range f.routes {
		if r.RoutePath == path && r.IsActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeRoutes) FindAll(_ context.Context, _ model.Filter, _, _ int) ([]model.Route, error) {
	var out []model.Route
	for _, r := range f.routes {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRoutes) Count(_ context.Context, _ model.Filter) (int64, error) {
	return int64(len(f.routes)), nil
}

func (f *fakeRoutes) Save(_ context.Context, r *model.Route) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	f.routes[r.ID] = &cp
	return r.ID, nil
}

func (f *fakeRoutes) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.routes[id]; !ok {
		return model.ErrNotFound
	}
	delete(f.routes, id)
	return nil
}

type fakeDeliveryLogs struct {
	rows      []model.DeliveryLog
	filter    model.DeliveryFilter
	policy    *deliverylog.RetentionPolicy
	byWebhook uuid.UUID
	all       bool
}

func (f *fakeDeliveryLogs) Get(_ context.Context, id uuid.UUID) (*model.DeliveryLog, error) {
	for i := range f.rows {
		if f.rows[i].ID == id {
			return &f.rows[i], nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeDeliveryLogs) Query(_ context.Context, filter model.DeliveryFilter, _, _ int) ([]model.DeliveryLog, error) {
	f.filter = filter
	return f.rows, nil
}

func (f *fakeDeliveryLogs) Count(_ context.Context, _ model.DeliveryFilter) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeDeliveryLogs) Stats(_ context.Context) (model.DeliveryStats, error) {
	return model.DeliveryStats{Total: 3, Success: 2, Failed: 1, SuccessRate: 66.67}, nil
}

func (f *fakeDeliveryLogs) Prune(_ context.Context, p deliverylog.RetentionPolicy) (int64, error) {
	f.policy = &p
	return 4, nil
}

func (f *fakeDeliveryLogs) DeleteByWebhook(_ context.Context, id uuid.UUID) (int64, error) {
	f.byWebhook = id
	return 2, nil
}

func (f *fakeDeliveryLogs) DeleteAll(_ context.Context) (int64, error) {
	f.all = true
	return 9, nil
}

type fired struct {
	key  string
	data map[string]any
}

type fakeDispatcher struct {
	tested   []map[string]any
	fired    []fired
	retryErr error
}

func (f *fakeDispatcher) Test(_ context.Context, _ *model.Webhook, sample map[string]any) (*dispatch.Outcome, error) {
	f.tested = append(f.tested, sample)
	return &dispatch.Outcome{LogID: uuid.New(), Success: true, Code: 200, Attempt: 1}, nil
}

func (f *fakeDispatcher) Retry(_ context.Context, id uuid.UUID) (*dispatch.Outcome, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return &dispatch.Outcome{LogID: id, Success: true, Code: 200, Attempt: 2}, nil
}

func (f *fakeDispatcher) Fire(_ context.Context, key string, data map[string]any) (int, error) {
	f.fired = append(f.fired, fired{key: key, data: data})
	return 2, nil
}

func do(t *testing.T, r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func webhookRouter(repo *fakeWebhooks, d *fakeDispatcher) *gin.Engine {
	h := NewWebhookHandler(repo, d, trigger.DefaultRegistry())
	r := gin.New()
	r.GET("/api/webhooks", h.List)
	r.POST("/api/webhooks", h.Create)
	r.GET("/api/webhooks/:id", h.Get)
	r.PATCH("/api/webhooks/:id", h.Update)
	r.DELETE("/api/webhooks/:id", h.Delete)
	r.POST("/api/webhooks/:id/test", h.Test)
	r.POST("/api/webhooks/:id/activate", h.SetActive(true))
	r.POST("/api/webhooks/:id/deactivate", h.SetActive(false))
	return r
}

func TestCreateWebhook(t *testing.T) {
	repo := newFakeWebhooks()
	r := webhookRouter(repo, &fakeDispatcher{})

	w := do(t, r, http.MethodPost, "/api/webhooks",
		`{"name":"Post hook","trigger_key":"post.published","endpoint_url":"https://example.com/hook"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got model.Webhook
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, "POST", got.HTTPMethod)
	assert.Equal(t, model.FormatJSON, got.PayloadFormat)
	assert.Equal(t, 60, got.RetryDelaySeconds)
	assert.True(t, got.IsActive)
	assert.Len(t, repo.hooks, 1)
}

func TestCreateWebhookRejectsBadDefinitions(t *testing.T) {
	r := webhookRouter(newFakeWebhooks(), &fakeDispatcher{})

	cases := map[string]string{
		"unknown trigger": `{"name":"x","trigger_key":"nope","endpoint_url":"https://example.com"}`,
		"bad url":         `{"name":"x","trigger_key":"post.published","endpoint_url":"ftp://example.com"}`,
		"bad condition":   `{"name":"x","trigger_key":"post.published","endpoint_url":"https://example.com","trigger_config":{"condition":"post.id =="}}`,
		"retry too high":  `{"name":"x","trigger_key":"post.published","endpoint_url":"https://example.com","retry_count":11}`,
		"not json":        `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/webhooks", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestUpdateWebhookPatchesFields(t *testing.T) {
	repo := newFakeWebhooks()
	id := uuid.New()
	repo.hooks[id] = &model.Webhook{
		ID: id, Name: "Old", TriggerKey: "user.registered", EndpointURL: "https://a.example.com",
		HTTPMethod: "POST", PayloadFormat: model.FormatJSON, RetryDelaySeconds: 60, IsActive: true,
	}
	r := webhookRouter(repo, &fakeDispatcher{})

	w := do(t, r, http.MethodPatch, "/api/webhooks/"+id.String(), `{"name":"New","is_active":false,"retry_count":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	saved := repo.hooks[id]
	assert.Equal(t, "New", saved.Name)
	assert.False(t, saved.IsActive)
	assert.Equal(t, 3, saved.RetryCount)
	assert.Equal(t, "https://a.example.com", saved.EndpointURL)
}

func TestWebhookNotFoundAndBadID(t *testing.T) {
	r := webhookRouter(newFakeWebhooks(), &fakeDispatcher{})

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/webhooks/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/webhooks/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/api/webhooks/"+uuid.NewString(), "").Code)
}

func TestListWebhooksSetsTotal(t *testing.T) {
	repo := newFakeWebhooks()
	r := webhookRouter(repo, &fakeDispatcher{})

	w := do(t, r, http.MethodGet, "/api/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
	assert.Equal(t, "0", w.Header().Get("X-Total-Count"))

	_, _ = repo.Save(context.Background(), &model.Webhook{Name: "a"})
	w = do(t, r, http.MethodGet, "/api/webhooks?limit=10&is_active=true", "")
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))

	w = do(t, r, http.MethodGet, "/api/webhooks?is_active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToggleWebhook(t *testing.T) {
	repo := newFakeWebhooks()
	id := uuid.New()
	repo.hooks[id] = &model.Webhook{ID: id, Name: "a", IsActive: true}
	r := webhookRouter(repo, &fakeDispatcher{})

	w := do(t, r, http.MethodPost, "/api/webhooks/"+id.String()+"/deactivate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, repo.hooks[id].IsActive)

	w = do(t, r, http.MethodPost, "/api/webhooks/"+id.String()+"/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, repo.hooks[id].IsActive)

	w = do(t, r, http.MethodPost, "/api/webhooks/"+uuid.NewString()+"/activate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookTestEndpoint(t *testing.T) {
	repo := newFakeWebhooks()
	id := uuid.New()
	repo.hooks[id] = &model.Webhook{ID: id, Name: "a", TriggerKey: "post.published"}
	d := &fakeDispatcher{}
	r := webhookRouter(repo, d)

	w := do(t, r, http.MethodPost, "/api/webhooks/"+id.String()+"/test", `{"sample":{"post":{"id":1}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, d.tested, 1)
	assert.Equal(t, map[string]any{"post": map[string]any{"id": float64(1)}}, d.tested[0])

	w = do(t, r, http.MethodPost, "/api/webhooks/"+id.String()+"/test", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, d.tested[1])
}

func deliveryRouter(logs *fakeDeliveryLogs, d *fakeDispatcher) *gin.Engine {
	h := NewDeliveryHandler(logs, d)
	r := gin.New()
	r.GET("/api/deliveries", h.List)
	r.GET("/api/deliveries/stats", h.Stats)
	r.DELETE("/api/deliveries", h.Purge)
	r.GET("/api/deliveries/:id", h.Get)
	r.POST("/api/deliveries/:id/retry", h.Retry)
	return r
}

func TestListDeliveriesParsesFilter(t *testing.T) {
	logs := &fakeDeliveryLogs{rows: []model.DeliveryLog{{ID: uuid.New()}}}
	r := deliveryRouter(logs, &fakeDispatcher{})
	hook := uuid.New()

	w := do(t, r, http.MethodGet,
		"/api/deliveries?status=failed&webhook_id="+hook.String()+"&from=2026-01-02&search=timeout", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))
	assert.Equal(t, model.DeliveryFailed, logs.filter.Status)
	require.NotNil(t, logs.filter.WebhookID)
	assert.Equal(t, hook, *logs.filter.WebhookID)
	require.NotNil(t, logs.filter.From)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *logs.filter.From)
	assert.Equal(t, "timeout", logs.filter.Search)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/deliveries?status=lost", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/deliveries?to=yesterday", "").Code)
}

func TestDeliveryStats(t *testing.T) {
	r := deliveryRouter(&fakeDeliveryLogs{}, &fakeDispatcher{})

	w := do(t, r, http.MethodGet, "/api/deliveries/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.DeliveryStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 66.67, stats.SuccessRate)
}

func TestRetryDelivery(t *testing.T) {
	id := uuid.New()

	w := do(t, deliveryRouter(&fakeDeliveryLogs{}, &fakeDispatcher{}), http.MethodPost, "/api/deliveries/"+id.String()+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out dispatch.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Attempt)

	missing := &fakeDispatcher{retryErr: dispatch.ErrLogNotFound}
	w = do(t, deliveryRouter(&fakeDeliveryLogs{}, missing), http.MethodPost, "/api/deliveries/"+id.String()+"/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	orphan := &fakeDispatcher{retryErr: dispatch.ErrWebhookNotFound}
	w = do(t, deliveryRouter(&fakeDeliveryLogs{}, orphan), http.MethodPost, "/api/deliveries/"+id.String()+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPurgeDeliveries(t *testing.T) {
	t.Run("by webhook", func(t *testing.T) {
		logs := &fakeDeliveryLogs{}
		hook := uuid.New()
		w := do(t, deliveryRouter(logs, &fakeDispatcher{}), http.MethodDelete, "/api/deliveries?webhook_id="+hook.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, hook, logs.byWebhook)
		assert.JSONEq(t, `{"deleted":2}`, w.Body.String())
	})
	t.Run("by policy", func(t *testing.T) {
		logs := &fakeDeliveryLogs{}
		w := do(t, deliveryRouter(logs, &fakeDispatcher{}), http.MethodDelete, "/api/deliveries?older_than_days=7&max_entries=100", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, logs.policy)
		assert.Equal(t, deliverylog.RetentionPolicy{Days: 7, MaxEntries: 100}, *logs.policy)
	})
	t.Run("all", func(t *testing.T) {
		logs := &fakeDeliveryLogs{}
		w := do(t, deliveryRouter(logs, &fakeDispatcher{}), http.MethodDelete, "/api/deliveries?all=true", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, logs.all)
	})
	t.Run("nothing selected", func(t *testing.T) {
		logs := &fakeDeliveryLogs{}
		w := do(t, deliveryRouter(logs, &fakeDispatcher{}), http.MethodDelete, "/api/deliveries", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, logs.all)
	})
	t.Run("bad days", func(t *testing.T) {
		w := do(t, deliveryRouter(&fakeDeliveryLogs{}, &fakeDispatcher{}), http.MethodDelete, "/api/deliveries?older_than_days=-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouteCRUD(t *testing.T) {
	repo := newFakeRoutes()
	h := NewRouteHandler(repo)
	r := gin.New()
	r.POST("/api/routes", h.Create)
	r.GET("/api/routes", h.List)
	r.GET("/api/routes/:id", h.Get)
	r.PATCH("/api/routes/:id", h.Update)
	r.DELETE("/api/routes/:id", h.Delete)

	w := do(t, r, http.MethodPost, "/api/routes",
		`{"name":"Orders","route_path":"orders/","methods":["post","put"],"actions":[{"type":"create_record","config":{"record_type":"order"}}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created model.Route
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "/orders", created.RoutePath)
	assert.Equal(t, []string{"POST", "PUT"}, created.Methods)
	assert.True(t, created.IsActive)

	w = do(t, r, http.MethodPatch, "/api/routes/"+created.ID.String(), `{"is_async":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, repo.routes[created.ID].IsAsync)
	assert.Equal(t, "Orders", repo.routes[created.ID].Name)

	w = do(t, r, http.MethodPatch, "/api/routes/"+created.ID.String(),
		`{"actions":[{"type":"transform","config":{"script":"function nope("}}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/routes", `{"name":"x","route_path":"/x","actions":[{"type":"teleport"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, "1", do(t, r, http.MethodGet, "/api/routes", "").Header().Get("X-Total-Count"))
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/api/routes/"+created.ID.String(), "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/routes/"+created.ID.String(), "").Code)
}

type fakeRecent struct {
	after int64
}

func (f *fakeRecent) Recent(after int64) []events.Event {
	f.after = after
	return []events.Event{{ID: after + 1, Topic: events.TopicDispatched}}
}

func TestFireEvent(t *testing.T) {
	d := &fakeDispatcher{}
	recent := &fakeRecent{}
	h := NewEventHandler(d, trigger.DefaultRegistry(), recent)
	r := gin.New()
	r.POST("/api/events/:key", h.Fire)
	r.GET("/api/events", h.Recent)

	w := do(t, r, http.MethodPost, "/api/events/user.registered", `{"user":{"id":7}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"trigger":"user.registered","queued":2}`, w.Body.String())
	require.Len(t, d.fired, 1)
	assert.Equal(t, "user.registered", d.fired[0].key)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/events/nope", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/events/user.registered", `[1]`).Code)

	w = do(t, r, http.MethodGet, "/api/events?after=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), recent.after)
}

func TestTriggerListing(t *testing.T) {
	h := NewTriggerHandler(trigger.DefaultRegistry())
	r := gin.New()
	r.GET("/api/triggers", h.List)
	r.GET("/api/triggers/:key", h.Get)
	r.GET("/api/actions", h.ActionTypes)

	w := do(t, r, http.MethodGet, "/api/triggers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.NotEmpty(t, list)

	w = do(t, r, http.MethodGet, "/api/triggers/post.published", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"post.title"`)
	assert.Contains(t, w.Body.String(), `"sample"`)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/triggers/nope", "").Code)

	w = do(t, r, http.MethodGet, "/api/actions", "")
	assert.JSONEq(t, `["transform","event","create_record","update_record","http_request"]`, w.Body.String())
}

var _ ChainProcessor = (*action.Processor)(nil)

type fakeRecords struct {
	records []model.Record
	typ     string
}

func (f *fakeRecords) Get(_ context.Context, id uuid.UUID) (*model.Record, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			return &f.records[i], nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeRecords) List(_ context.Context, recordType string, _ int) ([]model.Record, error) {
	f.typ = recordType
	return f.records, nil
}

func TestRecords(t *testing.T) {
	id := uuid.New()
	repo := &fakeRecords{records: []model.Record{{ID: id, Type: "order", Fields: map[string]any{"qty": 2}}}}
	h := NewRecordHandler(repo)
	r := gin.New()
	r.GET("/api/records", h.List)
	r.GET("/api/records/:id", h.Get)

	w := do(t, r, http.MethodGet, "/api/records?type=order", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "order", repo.typ)
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))

	w = do(t, r, http.MethodGet, "/api/records/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"qty":2`)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/records/"+uuid.NewString(), "").Code)
}
