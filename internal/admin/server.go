package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
)

const maxRequestBodyBytes = 10 << 20 // 10 MB, participant lists can be large

// AdminKeyHeader carries the shared admin secret.
const AdminKeyHeader = "X-Admin-Key"

const valuationHealthTimeout = 5 * time.Second

// LeaderboardReader reads the cached standings.
type LeaderboardReader interface {
	List(ctx context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error)
}

// ParticipantStore registers entrants and counts them. Satisfied by
// store.ParticipantRepository.
type ParticipantStore interface {
	BulkCreate(ctx context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error)
	Count(ctx context.Context) (int, error)
}

// Refresher starts background refreshes and reports on them. In production
// this is *refresh.Runner.
type Refresher interface {
	Trigger(trigger refresh.Trigger) (string, error)
	Status() refresh.Status
}

// ValuationHealth reports on the valuation API.
type ValuationHealth interface {
	HealthCheck(ctx context.Context) bool
	BreakerState() string
}

// ScheduleInfo describes the periodic refresh schedule.
type ScheduleInfo interface {
	Spec() string
	Next() time.Time
}

// Server serves the public leaderboard and the admin API.
type Server struct {
	leaderboard  LeaderboardReader
	participants ParticipantStore
	refresher    Refresher
	valuation    ValuationHealth
	schedule     ScheduleInfo
	adminKey     string
	validate     *validator.Validate
	audit        *auditLog
	logger       *slog.Logger
	nowFn        func() time.Time
	startedAt    time.Time
}

// NewServer creates the HTTP API server. With an empty adminKey every admin
// request is rejected.
func NewServer(
	leaderboard LeaderboardReader,
	participants ParticipantStore,
	refresher Refresher,
	adminKey string,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		leaderboard:  leaderboard,
		participants: participants,
		refresher:    refresher,
		adminKey:     adminKey,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		audit:        newAuditLog(logger),
		logger:       logger.With("component", "admin"),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.nowFn()
	return s
}

// ServerOption configures optional dependencies for the server.
type ServerOption func(*Server)

// WithValuationHealth adds valuation API health to the status endpoint.
func WithValuationHealth(v ValuationHealth) ServerOption {
	return func(s *Server) { s.valuation = v }
}

// WithSchedule adds the refresh schedule to the status endpoint.
func WithSchedule(si ScheduleInfo) ServerOption {
	return func(s *Server) { s.schedule = si }
}

// WithClock replaces the server clock.
func WithClock(fn func() time.Time) ServerOption {
	return func(s *Server) { s.nowFn = fn }
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /admin/participants", s.requireAdminKey(http.HandlerFunc(s.handleSeedParticipants)))
	mux.Handle("POST /admin/refresh", s.requireAdminKey(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("GET /admin/status", s.requireAdminKey(http.HandlerFunc(s.handleStatus)))
	return instrument(s.logger, jsonFallback(mux))
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// --- Leaderboard ---

// leaderboardRow is the wire form of a cached standing. Money is rendered
// with two decimals.
type leaderboardRow struct {
	ParticipantID   int64                 `json:"participant_id"`
	EntryOrder      int                   `json:"entry_order"`
	Nickname        string                `json:"nickname"`
	Wallet          string                `json:"wallet"`
	PortfolioValue  json.Number           `json:"portfolio_value"`
	DepositSum      json.Number           `json:"deposit_sum"`
	PnL             json.Number           `json:"pnl"`
	IsLowDep        bool                  `json:"is_low_dep"`
	IsHighDep       bool                  `json:"is_high_dep"`
	IsOld           bool                  `json:"is_old"`
	ValuationSource model.ValuationSource `json:"valuation_source"`
	SnapshotTime    time.Time             `json:"snapshot_time"`
	LastUpdated     time.Time             `json:"last_updated"`
}

type leaderboardResponse struct {
	Success   bool             `json:"success"`
	Data      []leaderboardRow `json:"data"`
	SortBy    model.SortBy     `json:"sortBy"`
	Count     int              `json:"count"`
	Timestamp time.Time        `json:"timestamp"`
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func toLeaderboardRow(e model.LeaderboardEntry) leaderboardRow {
	return leaderboardRow{
		ParticipantID:   e.ParticipantID,
		EntryOrder:      e.EntryOrder,
		Nickname:        e.Nickname,
		Wallet:          e.Wallet,
		PortfolioValue:  money(e.PortfolioValue),
		DepositSum:      money(e.DepositSum),
		PnL:             money(e.PnL),
		IsLowDep:        e.IsLowDep,
		IsHighDep:       e.IsHighDep,
		IsOld:           e.IsOld,
		ValuationSource: e.ValuationSource,
		SnapshotTime:    e.SnapshotTime.UTC(),
		LastUpdated:     e.LastUpdated.UTC(),
	}
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	sortBy, err := model.ParseSortBy(r.URL.Query().Get("sortBy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, `invalid sortBy parameter, must be "entry_order" or "pnl"`)
		return
	}

	entries, err := s.leaderboard.List(r.Context(), sortBy)
	if err != nil {
		s.logger.Error("list leaderboard failed", "sort_by", sortBy, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch leaderboard")
		return
	}

	rows := make([]leaderboardRow, len(entries))
	for i, e := range entries {
		rows[i] = toLeaderboardRow(e)
	}

	writeJSON(w, http.StatusOK, leaderboardResponse{
		Success:   true,
		Data:      rows,
		SortBy:    sortBy,
		Count:     len(rows),
		Timestamp: s.nowFn().UTC(),
	})
}

// --- Participants ---

type seedParticipantsRequest struct {
	Participants []model.ParticipantSeed `json:"participants" validate:"required,min=1,dive"`
}

type seedParticipantsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
	Created int    `json:"created"`
}

func (s *Server) handleSeedParticipants(w http.ResponseWriter, r *http.Request) {
	var req seedParticipantsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err, req.Participants))
		return
	}

	seeds := make([]model.ParticipantSeed, len(req.Participants))
	for i, p := range req.Participants {
		seeds[i] = model.ParticipantSeed{
			EntryOrder: p.EntryOrder,
			Nickname:   strings.TrimSpace(p.Nickname),
			Wallet:     model.NormalizeWallet(p.Wallet),
		}
	}

	created, err := s.participants.BulkCreate(r.Context(), seeds)
	if err != nil {
		s.logger.Error("seed participants failed", "count", len(seeds), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to seed participants")
		return
	}

	s.audit.participantsAdded(r, created)
	s.logger.Info("participants seeded via admin API", "submitted", len(seeds), "created", len(created))

	writeJSON(w, http.StatusOK, seedParticipantsResponse{
		Success: true,
		Message: fmt.Sprintf("Successfully seeded %d participants", len(seeds)),
		Count:   len(seeds),
		Created: len(created),
	})
}

// describeValidation turns validator errors into one client-facing message.
func describeValidation(err error, seeds []model.ParticipantSeed) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Participants":
		return "invalid request body, expected { participants: [...] } with at least one entry"
	case "Wallet":
		return fmt.Sprintf("invalid wallet address: %v", fe.Value())
	case "EntryOrder":
		return "entry_order must be a positive integer"
	case "Nickname":
		if fe.Tag() == "max" {
			return "nickname must be at most 100 characters"
		}
	}
	return "each participant must have entry_order, nickname, and wallet"
}

// --- Refresh ---

type refreshResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	runID, err := s.refresher.Trigger(refresh.TriggerAdmin)
	switch {
	case errors.Is(err, refresh.ErrRunInProgress):
		s.audit.refreshTriggered(r, refresh.TriggerAdmin, "", RefreshInProgress)
		writeError(w, http.StatusConflict, "a refresh is already in progress")
		return
	case errors.Is(err, refresh.ErrShuttingDown):
		s.audit.refreshTriggered(r, refresh.TriggerAdmin, "", RefreshShuttingDown)
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		s.audit.refreshTriggered(r, refresh.TriggerAdmin, "", RefreshError)
		s.logger.Error("trigger refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to trigger refresh")
		return
	}

	s.audit.refreshTriggered(r, refresh.TriggerAdmin, runID, RefreshAccepted)
	writeJSON(w, http.StatusAccepted, refreshResponse{
		Success: true,
		Message: "Refresh initiated. This may take several minutes.",
		RunID:   runID,
	})
}

// --- Status ---

type refreshStatus struct {
	refresh.Status
	Schedule string     `json:"schedule,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

type valuationStatus struct {
	Healthy bool   `json:"healthy"`
	Breaker string `json:"circuit_breaker"`
}

type statusResponse struct {
	Success      bool             `json:"success"`
	Status       string           `json:"status"`
	Participants int              `json:"participants"`
	Refresh      refreshStatus    `json:"refresh"`
	ValuationAPI *valuationStatus `json:"valuation_api,omitempty"`
	Uptime       string           `json:"uptime"`
	Timestamp    time.Time        `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.participants.Count(r.Context())
	if err != nil {
		s.logger.Error("count participants failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch status")
		return
	}

	resp := statusResponse{
		Success:      true,
		Status:       "operational",
		Participants: count,
		Refresh:      refreshStatus{Status: s.refresher.Status()},
		Uptime:       s.nowFn().Sub(s.startedAt).Truncate(time.Second).String(),
		Timestamp:    s.nowFn().UTC(),
	}

	if s.schedule != nil {
		resp.Refresh.Schedule = s.schedule.Spec()
		if next := s.schedule.Next(); !next.IsZero() {
			next = next.UTC()
			resp.Refresh.NextRun = &next
		}
	}

	if s.valuation != nil {
		checkCtx, cancel := context.WithTimeout(r.Context(), valuationHealthTimeout)
		defer cancel()
		vs := &valuationStatus{
			Healthy: s.valuation.HealthCheck(checkCtx),
			Breaker: s.valuation.BreakerState(),
		}
		if !vs.Healthy {
			resp.Status = "degraded"
		}
		resp.ValuationAPI = vs
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Misc ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.nowFn().UTC(),
		"uptime":    s.nowFn().Sub(s.startedAt).Seconds(),
	})
}

