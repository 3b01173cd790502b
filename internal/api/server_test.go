package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedgate/internal/api"
	"schedgate/internal/api/handler"
	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
	"schedgate/internal/skills"
	"schedgate/internal/storage"
	logx "schedgate/pkg/logx"
)

type okExecutor struct{}

func (okExecutor) Execute(context.Context, string, string, string) error { return nil }

type fixture struct {
	srv   *api.Server
	store storage.Store
	svc   *schedule.Service
}

func newFixture(t *testing.T, webhook handler.WebhookConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutProfile(ctx, dispatch.Profile{ID: "profile-1", Name: "ops"}))

	catalog := skills.New(skills.Config{Dir: t.TempDir()}, logx.Nop())
	router := dispatch.New(dispatch.Config{}, dispatch.Deps{
		Profiles: st, Tools: st, Tasks: st, Skills: catalog, Executor: okExecutor{},
	})
	svc := schedule.NewService(schedule.Config{}, schedule.Deps{Store: st, Dispatcher: router})

	reg := prometheus.NewRegistry()
	srv, err := api.NewServer(api.Config{Webhook: webhook}, api.Deps{
		Schedules:  svc,
		Skills:     catalog,
		Store:      st,
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return &fixture{srv: srv, store: st, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var agentSchedule = map[string]any{
	"tenantId":        "tenant-a",
	"name":            "digest",
	"scheduleType":    "INTERVAL",
	"intervalSeconds": 300,
	"targetType":      "AGENT",
	"targetRefId":     "profile-1",
	"payloadJson":     `{"prompt":"digest"}`,
	"contextMode":     "SHARED",
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t, handler.WebhookConfig{})

	rec := f.do(t, http.MethodPost, "/v1/schedules", agentSchedule, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[schedule.Schedule](t, rec)
	require.NotEmpty(t, created.ID)
	base := "/v1/schedules/" + created.ID

	rec = f.do(t, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, base, map[string]any{"name": "renamed"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "renamed", decode[schedule.Schedule](t, rec).Name)

	rec = f.do(t, http.MethodPost, base+"/disable", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[schedule.Schedule](t, rec).Enabled)

	rec = f.do(t, http.MethodGet, "/v1/schedules?tenantId=tenant-a&enabled=false", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]schedule.Schedule](t, rec), 1)

	rec = f.do(t, http.MethodPost, base+"/enable", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[schedule.Result](t, rec)
	assert.Equal(t, schedule.RunSuccess, res.Status)

	rec = f.do(t, http.MethodGet, base+"/runs?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]schedule.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)

	rec = f.do(t, http.MethodGet, base+"/snapshots", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]schedule.Snapshot](t, rec), 1)

	rec = f.do(t, http.MethodDelete, base, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, handler.WebhookConfig{})

	bad := map[string]any{}
	for k, v := range agentSchedule {
		bad[k] = v
	}
	bad["scheduleType"] = "CRON"
	delete(bad, "intervalSeconds")
	rec := f.do(t, http.MethodPost, "/v1/schedules", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SCHEDULE_VALIDATION", decode[map[string]string](t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/v1/schedules", []byte(`{"nope":true}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/schedules", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/schedules?tenantId=t&enabled=perhaps", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/schedules/missing/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A skill target that does not exist fails the run, not the request.
	skill := map[string]any{}
	for k, v := range agentSchedule {
		skill[k] = v
	}
	skill["targetType"] = "SKILL"
	skill["targetRefId"] = "missing-skill"
	rec = f.do(t, http.MethodPost, "/v1/schedules", skill, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[schedule.Schedule](t, rec).ID
	rec = f.do(t, http.MethodPost, "/v1/schedules/"+id+"/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.RunFailed, decode[schedule.Result](t, rec).Status)

	runs, err := f.svc.ListRuns(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "SCHEDULE_CONFIGURATION", runs[0].ErrorCode)
}

func TestWebhookSignatureAndIdempotency(t *testing.T) {
	f := newFixture(t, handler.WebhookConfig{Secret: "s3cret", IdempotencyTTL: time.Minute})
	rec := f.do(t, http.MethodPost, "/v1/schedules", agentSchedule, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[schedule.Schedule](t, rec).ID
	path := "/v1/schedules/" + id + "/trigger"
	body := []byte(`{"reason":"deploy"}`)

	rec = f.do(t, http.MethodPost, path, body, map[string]string{handler.SignatureHeader: "sha256=00"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hdr := map[string]string{
		handler.SignatureHeader:   handler.Sign("s3cret", body),
		handler.IdempotencyHeader: "evt-1",
	}
	rec = f.do(t, http.MethodPost, path, body, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[handler.TriggerResponse](t, rec).Accepted)

	rec = f.do(t, http.MethodPost, path, body, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	dup := decode[handler.TriggerResponse](t, rec)
	assert.False(t, dup.Accepted)
	assert.True(t, dup.Duplicate)

	assert.Eventually(t, func() bool {
		runs, err := f.svc.ListRuns(context.Background(), id, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == schedule.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)
	runs, _ := f.svc.ListRuns(context.Background(), id, 0)
	assert.Equal(t, "DEPLOY", runs[0].TriggerType)
}

// flakyTrigger rejects the first Trigger call as if the schedule were busy.
type flakyTrigger struct {
	handler.ScheduleService
	calls int
}

func (s *flakyTrigger) Trigger(ctx context.Context, id, reason string) error {
	s.calls++
	if s.calls == 1 {
		return fmt.Errorf("%w: queue full", schedule.ErrRunInProgress)
	}
	return s.ScheduleService.Trigger(ctx, id, reason)
}

func TestWebhookKeyKeptOnlyForQueuedRuns(t *testing.T) {
	f := newFixture(t, handler.WebhookConfig{})
	rec := f.do(t, http.MethodPost, "/v1/schedules", agentSchedule, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[schedule.Schedule](t, rec).ID

	flaky := &flakyTrigger{ScheduleService: f.svc}
	reg := prometheus.NewRegistry()
	srv, err := api.NewServer(api.Config{}, api.Deps{Schedules: flaky, Store: f.store, Registerer: reg, Gatherer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/schedules/"+id+"/trigger", nil)
		req.Header.Set(handler.IdempotencyHeader, "evt-retry")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec = send()
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = send()
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[handler.TriggerResponse](t, rec)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)

	rec = send()
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[handler.TriggerResponse](t, rec).Duplicate)
	assert.Equal(t, 2, flaky.calls)
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t, handler.WebhookConfig{})

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/skills", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/observability/schedules", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "schedgate_http_requests_total")
}

type busyService struct{ handler.ScheduleService }

func (busyService) RunNow(context.Context, string) (schedule.Result, error) {
	return schedule.Result{}, fmt.Errorf("%w: overlap", schedule.ErrRunInProgress)
}

func TestRunInProgressIsConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, err := api.NewServer(api.Config{}, api.Deps{Schedules: busyService{}, Registerer: reg, Gatherer: reg})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/schedules/s1/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, err := api.NewServer(api.Config{Addr: "127.0.0.1:0"}, api.Deps{Schedules: busyService{}, Registerer: reg, Gatherer: reg})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.Stop(context.Background())
	assert.Empty(t, srv.Addr())
}
