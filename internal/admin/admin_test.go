package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/coordination"
	"lead_router_backend/internal/domain"
	apphttp "lead_router_backend/internal/http"
	"lead_router_backend/internal/http/router"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
	"lead_router_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const secret = "admin-test-secret"

type routerConfig struct{}

func (routerConfig) GetHTTPAddr() string        { return ":0" }
func (routerConfig) GetCORSOrigins() []string   { return nil }
func (routerConfig) GetJWTAccessSecret() string { return secret }

type fakeCRM struct {
	mu     sync.Mutex
	fields map[string]any
}

func (f *fakeCRM) SetField(_ context.Context, _ string, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields == nil {
		f.fields = map[string]any{}
	}
	f.fields[key] = value
	return nil
}

type harness struct {
	engine   *gin.Engine
	registry *assignment.Registry
	states   *conversation.Repository
	trail    *audit.Log
	lock     *coordination.ContactLock
	crm      *fakeCRM
	token    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Nop()
	store := kvstore.NewMemoryStore()
	keys := kvstore.NewKeys("test")
	trail := audit.NewLog(store, keys, nil, log)
	states := conversation.NewRepository(store, keys, log)
	registry := assignment.NewRegistry(store, keys, states, trail, log)
	lock := coordination.NewContactLock(store, keys, coordination.WithLockMaxWait(100*time.Millisecond))
	crm := &fakeCRM{}

	module := NewModule(NewService(registry, states, trail, lock, crm, log), validator.New(), log)
	engine := router.New(&apphttp.App{
		Config:  routerConfig{},
		Logger:  log,
		Modules: []apphttp.Module{module},
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   uuid.NewString(),
		"type":  "access",
		"roles": []string{"admin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return &harness{engine: engine, registry: registry, states: states, trail: trail, lock: lock, crm: crm, token: token}
}

func (h *harness) do(method, path string, body any, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedSeller(t *testing.T, contactID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.registry.Resolve(ctx, assignment.Proposal{ContactID: contactID, FlowType: domain.FlowSeller, Source: domain.SourceExplicit}); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	state := conversation.NewState(contactID)
	state.FlowType = domain.FlowSeller
	state.Phase = conversation.PhaseActive
	state.StepIndex = 2
	if err := h.states.Save(ctx, &state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func TestReassignRequiresAdminToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPut, "/api/v1/admin/assignments/c1", ReassignRequest{FlowType: "buyer"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReassignResetsContact(t *testing.T) {
	h := newHarness(t)
	h.seedSeller(t, "c1")

	rec := h.do(http.MethodPut, "/api/v1/admin/assignments/c1", ReassignRequest{FlowType: "buyer"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	ctx := context.Background()
	a, ok, err := h.registry.Get(ctx, "c1")
	if err != nil || !ok || a.FlowType != domain.FlowBuyer {
		t.Fatalf("expected buyer assignment, got %+v ok=%v err=%v", a, ok, err)
	}
	state, _ := h.states.Load(ctx, "c1")
	if state.Started() || state.StepIndex != 0 {
		t.Fatalf("expected conversation to be reset, got %+v", state)
	}

	records, _ := h.trail.List(ctx, "c1")
	last := records[len(records)-1]
	if last.Decision != audit.DecisionAdminOverride || last.SourceFlow != "seller" || last.TargetFlow != "buyer" {
		t.Fatalf("expected admin_override seller->buyer, got %+v", last)
	}
	if h.crm.fields["bot_flow_type"] != "buyer" {
		t.Fatalf("expected crm flow field to be updated, got %v", h.crm.fields)
	}
}

func TestReassignRejectsUnknownFlow(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPut, "/api/v1/admin/assignments/c1", ReassignRequest{FlowType: "robot"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReassignWhileContactLocked(t *testing.T) {
	h := newHarness(t)
	if _, err := h.lock.Acquire(context.Background(), "c1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rec := h.do(http.MethodPut, "/api/v1/admin/assignments/c1", ReassignRequest{FlowType: "buyer"}, true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while locked, got %d", rec.Code)
	}
}

func TestInspectAndClear(t *testing.T) {
	h := newHarness(t)
	h.seedSeller(t, "c1")

	rec := h.do(http.MethodGet, "/api/v1/admin/assignments/c1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Assignment == nil || snap.Assignment.FlowType != domain.FlowSeller || snap.State.StepIndex != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if rec := h.do(http.MethodDelete, "/api/v1/admin/assignments/c1", nil, true); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok, _ := h.registry.Get(context.Background(), "c1"); ok {
		t.Fatalf("expected assignment to be cleared")
	}
	if rec := h.do(http.MethodGet, "/api/v1/admin/assignments/c1", nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after clear, got %d", rec.Code)
	}
}

func TestClearBlanksCRMFlowField(t *testing.T) {
	h := newHarness(t)
	h.seedSeller(t, "c1")
	h.crm.fields = map[string]any{"bot_flow_type": "seller"}

	if rec := h.do(http.MethodDelete, "/api/v1/admin/assignments/c1", nil, true); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if v, ok := h.crm.fields["bot_flow_type"]; !ok || v != "" {
		t.Fatalf("expected crm flow field to be blanked, got %v", h.crm.fields)
	}
}
