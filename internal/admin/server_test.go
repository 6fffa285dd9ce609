package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
)

const testAdminKey = "test-admin-key"

// --- Mock dependencies ---

type mockLeaderboard struct {
	listFunc func(ctx context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error)
}

func (m *mockLeaderboard) List(ctx context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error) {
	return m.listFunc(ctx, sortBy)
}

type mockParticipants struct {
	bulkCreateFunc func(ctx context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error)
	countFunc      func(ctx context.Context) (int, error)
}

func (m *mockParticipants) BulkCreate(ctx context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
	return m.bulkCreateFunc(ctx, seeds)
}

func (m *mockParticipants) Count(ctx context.Context) (int, error) {
	return m.countFunc(ctx)
}

type mockRefresher struct {
	triggerFunc func(trigger refresh.Trigger) (string, error)
	status      refresh.Status
}

func (m *mockRefresher) Trigger(trigger refresh.Trigger) (string, error) {
	return m.triggerFunc(trigger)
}

func (m *mockRefresher) Status() refresh.Status {
	return m.status
}

type mockValuation struct {
	healthy bool
	breaker string
}

func (m *mockValuation) HealthCheck(context.Context) bool { return m.healthy }
func (m *mockValuation) BreakerState() string { return m.breaker }

type mockSchedule struct {
	next time.Time
}

func (m *mockSchedule) Spec() string { return "0 */12 * * *" }
func (m *mockSchedule) Next() time.Time { return m.next }

// --- Helpers ---

var testNow = time.Date(2025, 12, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(lb *mockLeaderboard, ps *mockParticipants, rf *mockRefresher, opts ...ServerOption) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]ServerOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewServer(lb, ps, rf, testAdminKey, logger, opts...)
}

func adminRequest(method, target string, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(AdminKeyHeader, testAdminKey)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false on error response")
	}
	return resp
}

func sampleEntries() []model.LeaderboardEntry {
	return []model.LeaderboardEntry{
		{
			ParticipantID:   1,
			EntryOrder:      1,
			Nickname:        "alice",
			Wallet:          "0x00000000000000000000000000000000000000a1",
			PortfolioValue:  decimal.RequireFromString("150.123456"),
			DepositSum:      decimal.RequireFromString("100"),
			PnL:             decimal.RequireFromString("50.123456"),
			ValuationSource: model.ValuationSourceAPI,
			SnapshotTime:    testNow,
			LastUpdated:     testNow,
		},
		{
			ParticipantID:   2,
			EntryOrder:      2,
			Nickname:        "bob",
			Wallet:          "0x00000000000000000000000000000000000000b2",
			PortfolioValue:  decimal.RequireFromString("80"),
			DepositSum:      decimal.RequireFromString("80"),
			PnL:             decimal.Zero,
			IsLowDep:        true,
			ValuationSource: model.ValuationSourceFallback,
			SnapshotTime:    testNow,
			LastUpdated:     testNow,
		},
	}
}

// --- Tests: leaderboard ---

func TestHandleLeaderboard_DefaultSort(t *testing.T) {
	var gotSort model.SortBy
	lb := &mockLeaderboard{listFunc: func(_ context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error) {
		gotSort = sortBy
		return sampleEntries(), nil
	}}
	srv := newTestServer(lb, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotSort != model.SortByEntryOrder {
		t.Errorf("expected default sort entry_order, got %q", gotSort)
	}

	var resp struct {
		Success   bool             `json:"success"`
		Data      []map[string]any `json:"data"`
		SortBy    string           `json:"sortBy"`
		Count     int              `json:"count"`
		Timestamp time.Time        `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Count != 2 || len(resp.Data) != 2 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.SortBy != "entry_order" {
		t.Errorf("expected sortBy entry_order, got %q", resp.SortBy)
	}
	if !resp.Timestamp.Equal(testNow) {
		t.Errorf("expected timestamp %v, got %v", testNow, resp.Timestamp)
	}
	if resp.Data[0]["nickname"] != "alice" {
		t.Errorf("expected first row alice, got %v", resp.Data[0]["nickname"])
	}
	if resp.Data[1]["is_low_dep"] != true {
		t.Errorf("expected bob flagged low deposit, got %v", resp.Data[1]["is_low_dep"])
	}
	if resp.Data[1]["valuation_source"] != "fallback" {
		t.Errorf("expected fallback source, got %v", resp.Data[1]["valuation_source"])
	}
}

func TestHandleLeaderboard_MoneyRenderedWithTwoDecimals(t *testing.T) {
	lb := &mockLeaderboard{listFunc: func(context.Context, model.SortBy) ([]model.LeaderboardEntry, error) {
		return sampleEntries(), nil
	}}
	srv := newTestServer(lb, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?sortBy=pnl", nil))

	body := rec.Body.String()
	for _, want := range []string{`"portfolio_value":150.12`, `"pnl":50.12`, `"deposit_sum":100.00`, `"pnl":0.00`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in body: %s", want, body)
		}
	}
}

func TestHandleLeaderboard_SortByPnL(t *testing.T) {
	var gotSort model.SortBy
	lb := &mockLeaderboard{listFunc: func(_ context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error) {
		gotSort = sortBy
		return nil, nil
	}}
	srv := newTestServer(lb, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?sortBy=pnl", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotSort != model.SortByPnL {
		t.Errorf("expected pnl sort, got %q", gotSort)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestHandleLeaderboard_InvalidSort(t *testing.T) {
	called := false
	lb := &mockLeaderboard{listFunc: func(context.Context, model.SortBy) ([]model.LeaderboardEntry, error) {
		called = true
		return nil, nil
	}}
	srv := newTestServer(lb, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?sortBy=nickname", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if called {
		t.Error("leaderboard must not be read for an invalid sort")
	}
	if resp := decodeError(t, rec); !strings.Contains(resp.Error, "sortBy") {
		t.Errorf("expected sortBy in error, got %q", resp.Error)
	}
}

func TestHandleLeaderboard_StoreError(t *testing.T) {
	lb := &mockLeaderboard{listFunc: func(context.Context, model.SortBy) ([]model.LeaderboardEntry, error) {
		return nil, errors.New("connection refused")
	}}
	srv := newTestServer(lb, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); strings.Contains(resp.Error, "connection refused") {
		t.Error("internal error details must not leak to clients")
	}
}

// --- Tests: admin auth ---

func TestAdminRoutes_RequireKey(t *testing.T) {
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{})

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/admin/participants"},
		{http.MethodPost, "/admin/refresh"},
		{http.MethodGet, "/admin/status"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path+" missing", func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(rt.method, rt.path, nil))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
		t.Run(rt.method+" "+rt.path+" wrong", func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			req.Header.Set(AdminKeyHeader, "wrong-key")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAdminRoutes_RejectedWhenKeyUnset(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{}, "", logger)

	req := httptest.NewRequest(http.MethodPost, "/admin/refresh", nil)
	req.Header.Set(AdminKeyHeader, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no admin key configured, got %d", rec.Code)
	}
}

func TestValidAdminKey(t *testing.T) {
	tests := []struct {
		expected, got string
		ok            bool
	}{
		{"secret", "secret", true},
		{"secret", "Secret", false},
		{"secret", "secret2", false},
		{"secret", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		if ok := validAdminKey(tc.expected, tc.got); ok != tc.ok {
			t.Errorf("validAdminKey(%q, %q) = %v, want %v", tc.expected, tc.got, ok, tc.ok)
		}
	}
}

// --- Tests: participants ---

func TestHandleSeedParticipants_Success(t *testing.T) {
	var got []model.ParticipantSeed
	ps := &mockParticipants{bulkCreateFunc: func(_ context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
		got = seeds
		return seeds[:1], nil
	}}
	srv := newTestServer(&mockLeaderboard{}, ps, &mockRefresher{})

	body := `{"participants":[
		{"entry_order":1,"nickname":" alice ","wallet":"0x00000000000000000000000000000000000000A1"},
		{"entry_order":2,"nickname":"bob","wallet":"0x00000000000000000000000000000000000000b2"}
	]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/participants", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(got))
	}
	if got[0].Wallet != "0x00000000000000000000000000000000000000a1" {
		t.Errorf("expected lower-cased wallet, got %q", got[0].Wallet)
	}
	if got[0].Nickname != "alice" {
		t.Errorf("expected trimmed nickname, got %q", got[0].Nickname)
	}

	var resp seedParticipantsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Count != 2 || resp.Created != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Message != "Successfully seeded 2 participants" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestHandleSeedParticipants_Invalid(t *testing.T) {
	ps := &mockParticipants{bulkCreateFunc: func(context.Context, []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
		t.Fatal("BulkCreate must not be called for invalid input")
		return nil, nil
	}}
	srv := newTestServer(&mockLeaderboard{}, ps, &mockRefresher{})

	tests := []struct {
		name    string
		body    string
		errPart string
	}{
		{"not json", `{`, "invalid JSON"},
		{"missing list", `{}`, "participants"},
		{"empty list", `{"participants":[]}`, "participants"},
		{"not a list", `{"participants":{"entry_order":1}}`, "invalid JSON"},
		{"bad wallet", `{"participants":[{"entry_order":1,"nickname":"a","wallet":"0x123"}]}`, "invalid wallet address: 0x123"},
		{"missing prefix", `{"participants":[{"entry_order":1,"nickname":"a","wallet":"00000000000000000000000000000000000000a1"}]}`, "invalid wallet"},
		{"zero entry order", `{"participants":[{"entry_order":0,"nickname":"a","wallet":"0x00000000000000000000000000000000000000a1"}]}`, "entry_order"},
		{"negative entry order", `{"participants":[{"entry_order":-3,"nickname":"a","wallet":"0x00000000000000000000000000000000000000a1"}]}`, "entry_order"},
		{"missing nickname", `{"participants":[{"entry_order":1,"wallet":"0x00000000000000000000000000000000000000a1"}]}`, "nickname"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/participants", tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if resp := decodeError(t, rec); !strings.Contains(resp.Error, tc.errPart) {
				t.Errorf("expected error containing %q, got %q", tc.errPart, resp.Error)
			}
		})
	}
}

func TestHandleSeedParticipants_StoreError(t *testing.T) {
	ps := &mockParticipants{bulkCreateFunc: func(context.Context, []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
		return nil, errors.New("deadlock detected")
	}}
	srv := newTestServer(&mockLeaderboard{}, ps, &mockRefresher{})

	body := `{"participants":[{"entry_order":1,"nickname":"a","wallet":"0x00000000000000000000000000000000000000a1"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/participants", body))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
}

func TestHandleSeedParticipants_BodyTooLarge(t *testing.T) {
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{})

	var buf bytes.Buffer
	buf.WriteString(`{"participants":[{"entry_order":1,"nickname":"`)
	buf.WriteString(strings.Repeat("x", maxRequestBodyBytes))
	buf.WriteString(`"}]}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/participants", buf.String()))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rec.Code)
	}
}

// --- Tests: refresh ---

func TestHandleRefresh_Accepted(t *testing.T) {
	var gotTrigger refresh.Trigger
	rf := &mockRefresher{triggerFunc: func(trigger refresh.Trigger) (string, error) {
		gotTrigger = trigger
		return "run-123", nil
	}}
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, rf)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/refresh", ""))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if gotTrigger != refresh.TriggerAdmin {
		t.Errorf("expected admin trigger, got %q", gotTrigger)
	}
	var resp refreshResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.RunID != "run-123" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.Message, "initiated") {
		t.Errorf("expected initiated message, got %q", resp.Message)
	}
}

func TestHandleRefresh_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"in progress", refresh.ErrRunInProgress, http.StatusConflict},
		{"wrapped in progress", errors.Join(errors.New("lease"), refresh.ErrRunInProgress), http.StatusConflict},
		{"shutting down", refresh.ErrShuttingDown, http.StatusServiceUnavailable},
		{"lease backend down", errors.New("acquire lease: dial tcp: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rf := &mockRefresher{triggerFunc: func(refresh.Trigger) (string, error) { return "", tc.err }}
			srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, rf)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/refresh", ""))
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			decodeError(t, rec)
		})
	}
}

// --- Tests: status ---

func TestHandleStatus(t *testing.T) {
	finished := testNow.Add(-time.Hour)
	rf := &mockRefresher{status: refresh.Status{
		Running: false,
		LastRun: &refresh.RunStatus{
			RunID:        "run-1",
			Trigger:      refresh.TriggerCron,
			State:        refresh.StatePartial,
			StartedAt:    finished.Add(-time.Minute),
			FinishedAt:   &finished,
			Participants: 40,
		},
		Participants: []refresh.ParticipantOutcome{
			{ParticipantID: 7, Nickname: "bob", OK: false, Stage: "fetch_deposits", Error: "rpc timeout"},
		},
	}}
	ps := &mockParticipants{countFunc: func(context.Context) (int, error) { return 40, nil }}
	next := testNow.Add(11 * time.Hour)
	srv := newTestServer(&mockLeaderboard{}, ps, rf,
		WithValuationHealth(&mockValuation{healthy: true, breaker: "closed"}),
		WithSchedule(&mockSchedule{next: next}),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/status", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Success      bool   `json:"success"`
		Status       string `json:"status"`
		Participants int    `json:"participants"`
		Refresh      struct {
			Running  bool               `json:"running"`
			LastRun  *refresh.RunStatus `json:"last_run"`
			Schedule string             `json:"schedule"`
			NextRun  *time.Time         `json:"next_run"`
			Outcomes []map[string]any   `json:"participants"`
		} `json:"refresh"`
		ValuationAPI *valuationStatus `json:"valuation_api"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Status != "operational" || resp.Participants != 40 {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if resp.Refresh.LastRun == nil || resp.Refresh.LastRun.State != refresh.StatePartial {
		t.Errorf("expected last run with partial state, got %+v", resp.Refresh.LastRun)
	}
	if resp.Refresh.Schedule != "0 */12 * * *" {
		t.Errorf("unexpected schedule %q", resp.Refresh.Schedule)
	}
	if resp.Refresh.NextRun == nil || !resp.Refresh.NextRun.Equal(next) {
		t.Errorf("expected next run %v, got %v", next, resp.Refresh.NextRun)
	}
	if len(resp.Refresh.Outcomes) != 1 || resp.Refresh.Outcomes[0]["stage"] != "fetch_deposits" {
		t.Errorf("unexpected outcomes: %v", resp.Refresh.Outcomes)
	}
	if resp.ValuationAPI == nil || !resp.ValuationAPI.Healthy || resp.ValuationAPI.Breaker != "closed" {
		t.Errorf("unexpected valuation status: %+v", resp.ValuationAPI)
	}
}

func TestHandleStatus_DegradedWhenValuationDown(t *testing.T) {
	ps := &mockParticipants{countFunc: func(context.Context) (int, error) { return 3, nil }}
	srv := newTestServer(&mockLeaderboard{}, ps, &mockRefresher{},
		WithValuationHealth(&mockValuation{healthy: false, breaker: "open"}),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/status", ""))

	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %q", resp.Status)
	}
	if resp.ValuationAPI == nil || resp.ValuationAPI.Breaker != "open" {
		t.Errorf("expected open breaker, got %+v", resp.ValuationAPI)
	}
}

func TestHandleStatus_CountError(t *testing.T) {
	ps := &mockParticipants{countFunc: func(context.Context) (int, error) { return 0, errors.New("boom") }}
	srv := newTestServer(&mockLeaderboard{}, ps, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/status", ""))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
}

// --- Tests: misc ---

func TestHealthz(t *testing.T) {
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestUnknownRoute_JSON404(t *testing.T) {
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	if resp := decodeError(t, rec); resp.Error != "route not found" {
		t.Errorf("unexpected error %q", resp.Error)
	}
}

func TestWrongMethod_JSON405(t *testing.T) {
	srv := newTestServer(&mockLeaderboard{}, &mockParticipants{}, &mockRefresher{})

	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodDelete, "/leaderboard", "GET"},
		{http.MethodGet, "/admin/refresh", "POST"},
		{http.MethodPost, "/admin/status", "GET"},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, adminRequest(tc.method, tc.path, ""))

			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected status 405, got %d", rec.Code)
			}
			if allow := rec.Header().Get("Allow"); !strings.Contains(allow, tc.allow) {
				t.Errorf("expected Allow to list %s, got %q", tc.allow, allow)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}
			if resp := decodeError(t, rec); resp.Error != "method not allowed" {
				t.Errorf("unexpected error %q", resp.Error)
			}
		})
	}
}

func TestChain_RateLimitsAdminClass(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := NewRateLimitMiddleware(config.RateLimitConfig{PublicRPS: 5, PublicBurst: 20, AdminPerMinute: 1, AdminBurst: 1}, logger)
	defer rl.Stop()

	rf := &mockRefresher{triggerFunc: func(refresh.Trigger) (string, error) { return "run-1", nil }}
	srv := newTestServer(&mockLeaderboard{listFunc: func(context.Context, model.SortBy) ([]model.LeaderboardEntry, error) {
		return nil, nil
	}}, &mockParticipants{}, rf)
	handler := Chain(srv.Handler(), rl)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, adminRequest(http.MethodPost, "/admin/refresh", ""))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, adminRequest(http.MethodPost, "/admin/refresh", ""))
	public := httptest.NewRecorder()
	handler.ServeHTTP(public, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))

	if first.Code != http.StatusAccepted {
		t.Errorf("first: expected 202, got %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second: expected 429, got %d", second.Code)
	}
	if public.Code != http.StatusOK {
		t.Errorf("public read: expected 200, got %d", public.Code)
	}
}
