package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
)

// auditEntries returns the decoded "admin audit" records in buf.
func auditEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if rec["msg"] == "admin audit" {
			out = append(out, rec)
		}
	}
	return out
}

func newAuditedServer(buf *bytes.Buffer, ps *mockParticipants, rf *mockRefresher) *Server {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	return NewServer(&mockLeaderboard{}, ps, rf, testAdminKey, logger,
		WithClock(func() time.Time { return testNow }))
}

func TestAudit_RecordsEachAddedParticipant(t *testing.T) {
	var logBuf bytes.Buffer
	ps := &mockParticipants{bulkCreateFunc: func(_ context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
		// bob is already registered
		return seeds[:1], nil
	}}
	srv := newAuditedServer(&logBuf, ps, &mockRefresher{})

	body := `{"participants":[
		{"entry_order":1,"nickname":"alice","wallet":"0x00000000000000000000000000000000000000A1"},
		{"entry_order":2,"nickname":"bob","wallet":"0x00000000000000000000000000000000000000b2"}
	]}`
	req := adminRequest(http.MethodPost, "/admin/participants", body)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	entries := auditEntries(t, &logBuf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d: %s", len(entries), logBuf.String())
	}
	e := entries[0]
	if e["action"] != string(AuditParticipantAdded) {
		t.Errorf("unexpected action %v", e["action"])
	}
	if e["wallet"] != "0x00000000000000000000000000000000000000a1" {
		t.Errorf("expected normalized wallet, got %v", e["wallet"])
	}
	if e["nickname"] != "alice" || e["entry_order"] != float64(1) {
		t.Errorf("unexpected participant fields: %v", e)
	}
	if e["request_id"] != "req-42" {
		t.Errorf("expected caller request id, got %v", e["request_id"])
	}
	if strings.Contains(logBuf.String(), testAdminKey) {
		t.Error("admin key must never be logged")
	}
}

func TestAudit_NothingWhenSeedFails(t *testing.T) {
	var logBuf bytes.Buffer
	ps := &mockParticipants{bulkCreateFunc: func(context.Context, []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
		return nil, errors.New("deadlock detected")
	}}
	srv := newAuditedServer(&logBuf, ps, &mockRefresher{})

	body := `{"participants":[{"entry_order":1,"nickname":"a","wallet":"0x00000000000000000000000000000000000000a1"}]}`
	srv.Handler().ServeHTTP(httptest.NewRecorder(), adminRequest(http.MethodPost, "/admin/participants", body))

	if entries := auditEntries(t, &logBuf); len(entries) != 0 {
		t.Errorf("expected no audit entries, got %v", entries)
	}
}

func TestAudit_RecordsRefreshOutcome(t *testing.T) {
	tests := []struct {
		name    string
		runID   string
		err     error
		outcome RefreshOutcome
	}{
		{"accepted", "run-7", nil, RefreshAccepted},
		{"in progress", "", refresh.ErrRunInProgress, RefreshInProgress},
		{"shutting down", "", refresh.ErrShuttingDown, RefreshShuttingDown},
		{"lease error", "", errors.New("acquire lease: timeout"), RefreshError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			rf := &mockRefresher{triggerFunc: func(refresh.Trigger) (string, error) { return tc.runID, tc.err }}
			srv := newAuditedServer(&logBuf, &mockParticipants{}, rf)

			srv.Handler().ServeHTTP(httptest.NewRecorder(), adminRequest(http.MethodPost, "/admin/refresh", ""))

			entries := auditEntries(t, &logBuf)
			if len(entries) != 1 {
				t.Fatalf("expected 1 audit entry, got %d", len(entries))
			}
			e := entries[0]
			if e["action"] != string(AuditRefreshTriggered) {
				t.Errorf("unexpected action %v", e["action"])
			}
			if e["trigger"] != string(refresh.TriggerAdmin) {
				t.Errorf("expected admin trigger, got %v", e["trigger"])
			}
			if e["outcome"] != string(tc.outcome) {
				t.Errorf("expected outcome %s, got %v", tc.outcome, e["outcome"])
			}
			if e["run_id"] != tc.runID {
				t.Errorf("expected run id %q, got %v", tc.runID, e["run_id"])
			}
			if id, _ := e["request_id"].(string); id == "" {
				t.Error("expected a generated request id")
			}
		})
	}
}

func TestAudit_SkipsReadsAndRejectedAuth(t *testing.T) {
	var logBuf bytes.Buffer
	ps := &mockParticipants{countFunc: func(context.Context) (int, error) { return 1, nil }}
	srv := newAuditedServer(&logBuf, ps, &mockRefresher{})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), adminRequest(http.MethodGet, "/admin/status", ""))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/refresh", nil))

	if entries := auditEntries(t, &logBuf); len(entries) != 0 {
		t.Errorf("expected no audit entries, got %v", entries)
	}
}
