package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jayantna/Contractly/agreement"
	"github.com/jayantna/Contractly/auth"
	"github.com/jayantna/Contractly/custody"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	handler http.Handler
	tokens  *auth.Service
	ledger  *custody.Ledger
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	ledger := custody.NewLedger()
	registry := auth.NewRegistry("owner", nil, zerolog.Nop())
	reg := prometheus.NewRegistry()
	engine := agreement.NewEngine(agreement.NewMemoryStore(), registry, ledger,
		agreement.WithClock(clock.Now),
		agreement.WithMetrics(agreement.NewMetrics(reg)),
	)
	tokens := auth.NewService(auth.NewMemoryRepository(), "owner", "test-secret", time.Hour)
	server := NewServer(engine, registry, tokens, ledger, reg, zerolog.Nop())
	return &testEnv{handler: server.Routes(), tokens: tokens, ledger: ledger, clock: clock}
}

func (e *testEnv) login(t *testing.T, identity string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.tokens.Register(ctx, auth.RegisterRequest{Identity: identity, Password: "correct-horse"}); err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
	res, err := e.tokens.Login(ctx, auth.LoginRequest{Identity: identity, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login %s: %v", identity, err)
	}
	return res.Token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if payload.RequestID == "" {
		t.Fatalf("error response without request_id: %s", rec.Body.String())
	}
	return payload.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/health", "", ""), http.StatusOK)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "desk")

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", `{"identity":"desk","password":"correct-horse"}`)
	expectStatus(t, rec, http.StatusOK)
	var resp struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" || resp.Role != string(auth.RoleCaller) {
		t.Fatalf("unexpected login payload: %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"identity":"desk","password":"wrong-horse"}`)
	expectStatus(t, rec, http.StatusUnauthorized)
	if code := errorCode(t, rec); code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %s", code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"identity":"desk"}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestAgreements_RequireToken(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements", "", ""), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements", "not-a-token", ""), http.StatusUnauthorized)
}

func TestOwnerRoutes_ForbidCallers(t *testing.T) {
	env := newTestEnv(t)
	desk := env.login(t, "desk")

	rec := env.do(t, http.MethodPost, "/api/callers", desk, `{"identity":"desk"}`)
	expectStatus(t, rec, http.StatusForbidden)
	rec = env.do(t, http.MethodPost, "/api/wallets/desk/credit", desk, `{"amount":10}`)
	expectStatus(t, rec, http.StatusForbidden)
}

func TestCallerRegistry(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "owner")

	expectStatus(t, env.do(t, http.MethodPost, "/api/callers", owner, `{"identity":"desk"}`), http.StatusCreated)
	rec := env.do(t, http.MethodGet, "/api/callers/desk", owner, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"authorized":true`) {
		t.Fatalf("expected desk to be authorized: %s", rec.Body.String())
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/callers/desk", owner, ""), http.StatusNoContent)
	rec = env.do(t, http.MethodGet, "/api/callers/desk", owner, "")
	if !strings.Contains(rec.Body.String(), `"authorized":false`) {
		t.Fatalf("expected desk to be revoked: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/callers", owner, `{"identity":"   "}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestCreateAgreement_UnauthorizedCaller(t *testing.T) {
	env := newTestEnv(t)
	stranger := env.login(t, "stranger")

	body := fmt.Sprintf(`{"title":"lease","expirationTime":%q}`, env.clock.Now().Add(time.Hour).Format(time.RFC3339))
	rec := env.do(t, http.MethodPost, "/api/agreements", stranger, body)
	expectStatus(t, rec, http.StatusForbidden)
	if code := errorCode(t, rec); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestCreateAgreement_Validation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "owner")
	desk := env.login(t, "desk")
	expectStatus(t, env.do(t, http.MethodPost, "/api/callers", owner, `{"identity":"desk"}`), http.StatusCreated)

	future := env.clock.Now().Add(time.Hour).Format(time.RFC3339)
	past := env.clock.Now().Add(-time.Hour).Format(time.RFC3339)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"negative window", fmt.Sprintf(`{"expirationTime":%q,"disputeWindowSeconds":-1}`, future), "VALIDATION"},
		{"expired", fmt.Sprintf(`{"expirationTime":%q}`, past), "VALIDATION"},
		{"unknown field", fmt.Sprintf(`{"expirationTime":%q,"fee":1}`, future), "BAD_JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/agreements", desk, tc.body)
			expectStatus(t, rec, http.StatusBadRequest)
			if code := errorCode(t, rec); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestAgreementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, "owner")
	desk := env.login(t, "desk")
	expectStatus(t, env.do(t, http.MethodPost, "/api/callers", owner, `{"identity":"desk"}`), http.StatusCreated)
	for _, who := range []string{"alice", "bob"} {
		expectStatus(t, env.do(t, http.MethodPost, "/api/wallets/"+who+"/credit", owner, `{"amount":1000}`), http.StatusOK)
	}

	body := fmt.Sprintf(`{"title":"studio rental","expirationTime":%q,"disputeWindowSeconds":600,"totalStakingAmount":200}`,
		env.clock.Now().Add(time.Hour).Format(time.RFC3339))
	rec := env.do(t, http.MethodPost, "/api/agreements", desk, body)
	expectStatus(t, rec, http.StatusCreated)
	var created struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID != 1 {
		t.Fatalf("unexpected create response %s (%v)", rec.Body.String(), err)
	}
	base := fmt.Sprintf("/api/agreements/%d", created.ID)

	rec = env.do(t, http.MethodPost, base+"/parties", desk, `{"party":"alice","requiresSignature":true,"requiresStaking":true,"stakeRatio":101}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, base+"/parties", desk, `{"party":"alice","requiresSignature":true,"requiresStaking":true,"stakeRatio":25}`)
	expectStatus(t, rec, http.StatusCreated)
	if !strings.Contains(rec.Body.String(), `"requiredStake":50`) {
		t.Fatalf("expected required stake 50: %s", rec.Body.String())
	}
	expectStatus(t, env.do(t, http.MethodPost, base+"/parties", desk, `{"party":"bob","requiresSignature":true,"requiresStaking":true,"stakeRatio":75}`), http.StatusCreated)

	rec = env.do(t, http.MethodPost, base+"/lock", desk, "")
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "CONDITIONS_NOT_MET" {
		t.Fatalf("expected CONDITIONS_NOT_MET, got %s", code)
	}

	for _, p := range []string{"alice", "bob"} {
		expectStatus(t, env.do(t, http.MethodPost, base+"/sign", desk, fmt.Sprintf(`{"party":%q}`, p)), http.StatusOK)
	}
	rec = env.do(t, http.MethodPost, base+"/sign", desk, `{"party":"alice"}`)
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "ALREADY_DONE" {
		t.Fatalf("expected ALREADY_DONE, got %s", code)
	}

	rec = env.do(t, http.MethodPost, base+"/stake", desk, `{"party":"alice","amount":49}`)
	expectStatus(t, rec, http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, base+"/stake", desk, `{"party":"alice","amount":50}`), http.StatusOK)
	rec = env.do(t, http.MethodPost, base+"/stake", desk, `{"party":"bob","amount":150}`)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"status":"locked"`) {
		t.Fatalf("expected locked after final stake: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, base, desk, "")
	expectStatus(t, rec, http.StatusOK)
	var a agreementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode agreement: %v", err)
	}
	if a.Status != "locked" || a.HeldTotal != 200 || len(a.Parties) != 2 || a.DisputeWindowSeconds != 600 {
		t.Fatalf("unexpected agreement payload: %+v", a)
	}

	rec = env.do(t, http.MethodGet, base+"/parties", desk, "")
	expectStatus(t, rec, http.StatusOK)
	var parties struct {
		Items []partyResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parties); err != nil {
		t.Fatalf("decode parties: %v", err)
	}
	if parties.Total != 2 || parties.Items[1].Identity != "bob" || parties.Items[1].StakedAmount != 150 {
		t.Fatalf("unexpected parties payload: %+v", parties)
	}

	rec = env.do(t, http.MethodPost, base+"/fulfill", desk, "")
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "TOO_EARLY" {
		t.Fatalf("expected TOO_EARLY, got %s", code)
	}

	env.clock.Advance(time.Hour)
	rec = env.do(t, http.MethodPost, base+"/fulfill", desk, "")
	expectStatus(t, rec, http.StatusOK)
	var plan planResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.Status != "fulfilled" || plan.Released != 200 || len(plan.Payouts) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	rec = env.do(t, http.MethodGet, "/api/wallets/bob", desk, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"balance":1000`) {
		t.Fatalf("expected bob's stake returned: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, base+"/breach", desk, `{"party":"alice"}`)
	expectStatus(t, rec, http.StatusConflict)
	if code := errorCode(t, rec); code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", code)
	}
}

func TestAgreementLookups(t *testing.T) {
	env := newTestEnv(t)
	desk := env.login(t, "desk")

	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements/99", desk, ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements/abc", desk, ""), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements?status=archived", desk, ""), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/agreements?page=0", desk, ""), http.StatusBadRequest)

	rec := env.do(t, http.MethodGet, "/api/agreements?status=pending", desk, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Fatalf("expected empty list: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	desk := env.login(t, "desk")
	env.do(t, http.MethodPost, "/api/agreements/1/lock", desk, "")

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "contractly_agreement_failures_total") {
		t.Fatalf("expected engine failure counter in metrics output")
	}
}

func TestEngineErrorStatus(t *testing.T) {
	s := &Server{log: zerolog.Nop()}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"party index out of range", fmt.Errorf("%w: index 5 out of range [0,2)", agreement.ErrPartyIndexOutOfRange), http.StatusNotFound},
		{"not a party", agreement.ErrNotAParty, http.StatusForbidden},
		{"too early", agreement.ErrNotYetExpired, http.StatusConflict},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeEngineError(rec, httptest.NewRequest(http.MethodGet, "/api/agreements/1/parties", nil), tc.err)
			expectStatus(t, rec, tc.want)
		})
	}
}
