package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/health"
	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBroker(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := queue.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond}
}

func newProcessor(t *testing.T, st *store.Store, injector *Injector, flag *HealthFlag) *Processor {
	t.Helper()
	p := NewProcessor(st, fastPolicy(), injector, flag)
	p.workDelay = 0
	return p
}

func saveOperation(t *testing.T, st *store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.SaveOperation(context.Background(), &store.Operation{
		ID: id, Type: "reservation", Status: store.OpPending,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func opTask(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(queue.OperationTask{OperationID: id})
	require.NoError(t, err)
	return body
}

func TestBackoffSchedule(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 16*time.Second, p.Backoff(4))
	// Capped from here on.
	assert.Equal(t, 30*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestHandleOperationSuccess(t *testing.T) {
	st := newTestStore(t)
	flag := NewHealthFlag(DefaultUnhealthyWindow)
	p := newProcessor(t, st, NewInjector(), flag)

	saveOperation(t, st, "op-ok")
	require.NoError(t, p.HandleOperation(context.Background(), opTask(t, "op-ok")))

	op, err := st.GetOperation(context.Background(), "op-ok")
	require.NoError(t, err)
	assert.Equal(t, store.OpProcessed, op.Status)
	assert.Nil(t, op.Error)
	assert.False(t, flag.Unhealthy())
}

func TestHandleOperationExhaustsRetriesAndFlagsUnhealthy(t *testing.T) {
	st := newTestStore(t)
	injector := NewInjector()
	injector.SetForce(true)
	flag := NewHealthFlag(DefaultUnhealthyWindow)
	p := newProcessor(t, st, injector, flag)

	saveOperation(t, st, "op-bad")
	require.NoError(t, p.HandleOperation(context.Background(), opTask(t, "op-bad")))

	op, err := st.GetOperation(context.Background(), "op-bad")
	require.NoError(t, err)
	assert.Equal(t, store.OpFailed, op.Status)
	require.NotNil(t, op.Error)
	assert.Contains(t, *op.Error, "simulated")
	assert.True(t, flag.Unhealthy())
}

func TestHandleOperationUnknownIDIsDropped(t *testing.T) {
	st := newTestStore(t)
	p := newProcessor(t, st, NewInjector(), NewHealthFlag(DefaultUnhealthyWindow))

	assert.NoError(t, p.HandleOperation(context.Background(), opTask(t, "op-missing")))
}

func TestHealthFlagDecaysByTime(t *testing.T) {
	flag := NewHealthFlag(30 * time.Millisecond)
	assert.False(t, flag.Unhealthy())

	flag.RecordFailure()
	assert.True(t, flag.Unhealthy())

	assert.Eventually(t, func() bool {
		return !flag.Unhealthy()
	}, time.Second, 5*time.Millisecond, "flag must reset by time decay alone")
}

func TestInjectorValidation(t *testing.T) {
	i := NewInjector()

	assert.True(t, i.SetRate(0.5))
	assert.False(t, i.SetRate(-0.1))
	assert.False(t, i.SetRate(1.5))
	assert.Equal(t, 0.5, i.State().FailureRate)

	i.SetForce(true)
	assert.True(t, i.ShouldFail())

	i.Reset()
	assert.False(t, i.ShouldFail())
	assert.Zero(t, i.State().FailureRate)
}

func TestHandlePingProbesCatalogAndSendsEcho(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"UP"}`))
	}))
	defer up.Close()
	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer degraded.Close()

	cfg := &config.Config{
		PingTimeout: time.Second,
		Services: []config.Service{
			{Name: "api-gateway", URL: up.URL},
			{Name: "search", URL: degraded.URL},
			{Name: "payments", URL: "http://127.0.0.1:1/health"},
			{Name: "worker", URL: "http://ignored/health"},
		},
		WorkPeer: "worker",
	}
	broker := newTestBroker(t)
	h := NewPingHandler(cfg, health.NewProber(cfg.PingTimeout), broker)

	body, err := json.Marshal(queue.PingTask{RequestID: "ping-fanout01"})
	require.NoError(t, err)
	require.NoError(t, h.HandlePing(context.Background(), body))

	n, err := broker.QueueLen(context.Background(), queue.EchoQueue)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The worker itself is excluded from its own fan-out.
	echo := dequeueEcho(t, broker)
	assert.Equal(t, "ping-fanout01", echo.RequestID)
	require.Len(t, echo.Results, 3)

	byService := map[string]queue.EchoResult{}
	for _, r := range echo.Results {
		byService[r.Service] = r
	}
	assert.Equal(t, store.StatusUp, byService["api-gateway"].Status)
	assert.False(t, byService["api-gateway"].IsFailure)
	assert.Equal(t, store.StatusDegraded, byService["search"].Status)
	assert.False(t, byService["search"].IsFailure)
	assert.Equal(t, store.StatusDown, byService["payments"].Status)
	assert.True(t, byService["payments"].IsFailure)
}

func dequeueEcho(t *testing.T, broker *queue.Client) queue.EchoTask {
	t.Helper()
	var echo queue.EchoTask
	got := make(chan struct{})

	consumer := queue.NewConsumer(broker, 1)
	consumer.Handle(queue.EchoQueue, func(ctx context.Context, body []byte) error {
		require.NoError(t, json.Unmarshal(body, &echo))
		close(got)
		return nil
	})
	consumer.Start()
	defer consumer.Stop()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("echo not delivered")
	}
	return echo
}

func TestWorkerAPIHealthSelfReport(t *testing.T) {
	st := newTestStore(t)
	broker := newTestBroker(t)
	flag := NewHealthFlag(50 * time.Millisecond)
	api := NewAPI(st, broker, NewInjector(), flag)
	router := api.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"UP"`)

	flag.RecordFailure()
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, "self-report is body-level, not an HTTP error")
	assert.Contains(t, w.Body.String(), `"status":"UNHEALTHY"`)
}

func TestWorkerAPIConfigEndpoints(t *testing.T) {
	st := newTestStore(t)
	broker := newTestBroker(t)
	injector := NewInjector()
	router := NewAPI(st, broker, injector, NewHealthFlag(DefaultUnhealthyWindow)).Router()

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, post("/config/failure-rate", `{"rate":0.25}`).Code)
	assert.Equal(t, 0.25, injector.State().FailureRate)

	assert.Equal(t, http.StatusBadRequest, post("/config/failure-rate", `{"rate":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/config/failure-rate", `{}`).Code)

	assert.Equal(t, http.StatusOK, post("/config/force-failure", `{"force":true}`).Code)
	assert.True(t, injector.State().ForceFailure)

	assert.Equal(t, http.StatusOK, post("/config/reset", ``).Code)
	assert.False(t, injector.State().ForceFailure)
	assert.Zero(t, injector.State().FailureRate)
}

func TestWorkerAPIOperationLifecycle(t *testing.T) {
	st := newTestStore(t)
	broker := newTestBroker(t)
	router := NewAPI(st, broker, NewInjector(), NewHealthFlag(DefaultUnhealthyWindow)).Router()

	req := httptest.NewRequest(http.MethodPost, "/operations",
		bytes.NewBufferString(`{"type":"reservation","payload":{"item_id":7}}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var op store.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	assert.Equal(t, store.OpPending, op.Status)
	assert.NotEmpty(t, op.ID)

	// The operation landed on ops.process.
	n, err := broker.QueueLen(context.Background(), queue.OperationsQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/operations/"+op.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/operations/op-none", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
