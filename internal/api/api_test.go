package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/payperplay/autopower/internal/audit"
	"github.com/payperplay/autopower/internal/events"
	"github.com/payperplay/autopower/internal/lifecycle"
	"github.com/payperplay/autopower/internal/middleware"
	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/poll"
	"github.com/payperplay/autopower/internal/power"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLifecycle answers every call with a canned outcome and records calls.
type fakeLifecycle struct {
	mu      sync.Mutex
	calls   []string
	outcome lifecycle.Outcome
	demands chan lifecycle.Demand
}

func (f *fakeLifecycle) record(call string) lifecycle.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.outcome
}

func (f *fakeLifecycle) RequestStart(_ context.Context, name string) lifecycle.Outcome {
	return f.record("start:" + name)
}

func (f *fakeLifecycle) RequestStop(_ context.Context, name string) lifecycle.Outcome {
	return f.record("stop:" + name)
}

func (f *fakeLifecycle) OnDemandStart(_ context.Context, name string, d lifecycle.Demand) lifecycle.Outcome {
	out := f.record("demand:" + name)
	if f.demands != nil {
		f.demands <- d
	}
	return out
}

func (f *fakeLifecycle) OnDemandIdle(name string, remaining int) lifecycle.Outcome {
	return f.record(fmt.Sprintf("idle:%s:%d", name, remaining))
}

func (f *fakeLifecycle) Status(name string) (lifecycle.ServerStatus, bool) {
	if name != "lobby" {
		return lifecycle.ServerStatus{}, false
	}
	return lifecycle.ServerStatus{Name: "lobby", State: models.StateIdleRunning, IdleTimeoutSeconds: 30}, true
}

func (f *fakeLifecycle) Snapshot() []lifecycle.ServerStatus {
	st, _ := f.Status("lobby")
	return []lifecycle.ServerStatus{st}
}

func (f *fakeLifecycle) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type nopController struct{ power.Unsupported }

func (nopController) SendPowerSignal(context.Context, models.ServerIdentity, string, models.PowerSignal) error {
	return nil
}

type testAPI struct {
	lc     *fakeLifecycle
	bus    *events.EventBus
	proxy  *ProxyHandler
	stream *EventStream
	router *gin.Engine
}

func newTestAPI(t *testing.T, tokens *middleware.TokenValidator) *testAPI {
	t.Helper()
	lc := &fakeLifecycle{outcome: lifecycle.Outcome{Kind: lifecycle.Accepted, Server: "lobby", Reason: "ok"}}
	bus := events.NewEventBus(events.NewMemoryEventStorage(50))
	registry := power.NewRegistry()
	auditLog := audit.NewAuditLogger(10)
	registry.Register("pterodactyl", nopController{})

	a := &testAPI{
		lc:     lc,
		bus:    bus,
		proxy:  NewProxyHandler(lc, false),
		stream: NewEventStream(lc, bus),
	}
	a.router = SetupRouter(RouterOptions{
		Debug:          true,
		Servers:        NewServerHandler(lc, registry, "pterodactyl", auditLog),
		Proxy:          a.proxy,
		Events:         NewEventsHandler(bus),
		Stream:         a.stream,
		Health:         NewHealthHandler("pterodactyl", 1, nil),
		Prometheus:     NewPrometheusHandler(),
		Tokens:         tokens,
		CommandLimiter: middleware.NewRateLimiter(time.Millisecond, 100),
	})
	return a
}

func (a *testAPI) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name string
		out  lifecycle.Outcome
		want int
	}{
		{"accepted", lifecycle.Outcome{Kind: lifecycle.Accepted}, http.StatusOK},
		{"already", lifecycle.Outcome{Kind: lifecycle.AlreadyInState}, http.StatusOK},
		{"ready timeout", lifecycle.Outcome{Kind: lifecycle.TimedOutWaitingForReady}, http.StatusAccepted},
		{"not managed", lifecycle.Outcome{Kind: lifecycle.Failed, Err: lifecycle.ErrNotManaged}, http.StatusNotFound},
		{"not permitted", lifecycle.Outcome{Kind: lifecycle.Failed, Err: lifecycle.ErrNotPermitted}, http.StatusForbidden},
		{"manual start", lifecycle.Outcome{Kind: lifecycle.Failed, Err: lifecycle.ErrManualStartRequired}, http.StatusConflict},
		{"shutting down", lifecycle.Outcome{Kind: lifecycle.Failed, Err: lifecycle.ErrClosed}, http.StatusServiceUnavailable},
		{"rejected", lifecycle.Outcome{Kind: lifecycle.Failed, Err: fmt.Errorf("stop x: %w", &power.RejectionError{StatusCode: 409})}, http.StatusBadGateway},
		{"transport", lifecycle.Outcome{Kind: lifecycle.Failed, Err: &power.TransportError{Err: errors.New("refused")}}, http.StatusServiceUnavailable},
		{"restore timeout", lifecycle.Outcome{Kind: lifecycle.Failed, Err: fmt.Errorf("restore x: %w", poll.ErrTimeout)}, http.StatusGatewayTimeout},
		{"other", lifecycle.Outcome{Kind: lifecycle.Failed, Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeStatus(tt.out); got != tt.want {
				t.Fatalf("outcomeStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListAndGetServers(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(http.MethodGet, "/api/servers", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"idle_running"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}

	if w := a.do(http.MethodGet, "/api/servers/lobby", "", ""); w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/api/servers/hub", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get unknown = %d", w.Code)
	}
}

func TestOperatorCommandsRequireToken(t *testing.T) {
	tokens := middleware.NewTokenValidator("s3cret")
	a := newTestAPI(t, tokens)

	if w := a.do(http.MethodPost, "/api/servers/lobby/start", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("start without token = %d", w.Code)
	}

	token, _ := tokens.GenerateToken("ops", time.Hour)
	w := a.do(http.MethodPost, "/api/servers/lobby/stop", "", token)
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", w.Code, w.Body.String())
	}

	var resp OutcomeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != "accepted" || resp.Server != "lobby" {
		t.Fatalf("response = %+v", resp)
	}
	if got := strings.Join(a.lc.Calls(), ","); got != "stop:lobby" {
		t.Fatalf("calls = %s", got)
	}

	w = a.do(http.MethodGet, "/api/audit?server=lobby", "", token)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"operator":"ops"`) {
		t.Fatalf("audit = %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodGet, "/api/audit", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("audit without token = %d", w.Code)
	}
}

func TestFailedCommandCarriesErrorKind(t *testing.T) {
	a := newTestAPI(t, nil)
	a.lc.outcome = lifecycle.Outcome{
		Kind:   lifecycle.Failed,
		Server: "lobby",
		Reason: "start signal failed",
		Err:    &power.RejectionError{Op: "start", Server: "lobby", StatusCode: 403},
	}

	w := a.do(http.MethodPost, "/api/servers/lobby/start", "", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	var resp OutcomeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ErrorKind != "rejected" || resp.Error == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestProxyConnectSync(t *testing.T) {
	a := newTestAPI(t, nil)
	a.lc.demands = make(chan lifecycle.Demand, 1)

	w := a.do(http.MethodPost, "/api/proxy/connect?sync=true",
		`{"server":"lobby","player":"steve","autostart":true,"occupants":0}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	d := <-a.lc.demands
	if d.Player != "steve" || !d.AutoStart || d.CanStart {
		t.Fatalf("demand = %+v", d)
	}
}

func TestProxyConnectAsync(t *testing.T) {
	a := newTestAPI(t, nil)
	a.lc.demands = make(chan lifecycle.Demand, 1)

	w := a.do(http.MethodPost, "/api/proxy/connect", `{"server":"lobby","player":"alex","start":true}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	a.proxy.Wait()

	select {
	case d := <-a.lc.demands:
		if !d.CanStart {
			t.Fatalf("demand = %+v", d)
		}
	default:
		t.Fatal("queued demand was not processed")
	}
}

func TestProxyConnectValidation(t *testing.T) {
	a := newTestAPI(t, nil)
	if w := a.do(http.MethodPost, "/api/proxy/connect", `{"player":"alex"}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxyLeave(t *testing.T) {
	a := newTestAPI(t, nil)
	a.lc.outcome = lifecycle.Outcome{Kind: lifecycle.AlreadyInState, Server: "lobby"}

	w := a.do(http.MethodPost, "/api/proxy/leave", `{"server":"lobby","player":"alex","occupants":2}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.Join(a.lc.Calls(), ","); got != "idle:lobby:2" {
		t.Fatalf("calls = %s", got)
	}
}

func TestListEvents(t *testing.T) {
	a := newTestAPI(t, nil)
	a.bus.PublishStopScheduled("lobby", time.Now().Add(time.Minute))
	a.bus.PublishServerStopped("survival", "idle")

	w := a.do(http.MethodGet, "/api/events?server=lobby&limit=10", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Events[0].Type != events.EventStopScheduled {
		t.Fatalf("events = %+v", resp)
	}

	if w := a.do(http.MethodGet, "/api/events?limit=zero", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
}

func TestControllersAndHealth(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(http.MethodGet, "/api/controllers", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"active":"pterodactyl"`) {
		t.Fatalf("controllers = %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/metrics", "", ""); w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, nil)
	go a.stream.Run()
	defer a.stream.Shutdown()

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "servers.snapshot" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	a.bus.PublishServerStarted("lobby", "operator")
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(events.EventServerStarted) {
		t.Fatalf("message type = %s", msg.Type)
	}
}
