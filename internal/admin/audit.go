package admin

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
)

// RequestIDHeader lets a caller correlate its call with the audit entries.
const RequestIDHeader = "X-Request-ID"

// AuditAction names a leaderboard change made through the admin API.
type AuditAction string

const (
	AuditParticipantAdded AuditAction = "participant_added"
	AuditRefreshTriggered AuditAction = "refresh_triggered"
)

// RefreshOutcome is how an admin refresh request was answered.
type RefreshOutcome string

const (
	RefreshAccepted     RefreshOutcome = "accepted"
	RefreshInProgress   RefreshOutcome = "in_progress"
	RefreshShuttingDown RefreshOutcome = "shutting_down"
	RefreshError        RefreshOutcome = "error"
)

// auditLog writes one entry per admin action that changes leaderboard state.
// The admin key is never written.
type auditLog struct {
	logger *slog.Logger
}

func newAuditLog(logger *slog.Logger) *auditLog {
	return &auditLog{logger: logger.With("component", "admin_audit")}
}

// participantsAdded records each newly registered entrant. Seeds skipped as
// duplicates are not passed in.
func (a *auditLog) participantsAdded(r *http.Request, added []model.ParticipantSeed) {
	id := requestID(r)
	for _, p := range added {
		a.record(r, id, AuditParticipantAdded,
			"wallet", p.Wallet,
			"entry_order", p.EntryOrder,
			"nickname", p.Nickname,
		)
	}
}

func (a *auditLog) refreshTriggered(r *http.Request, trigger refresh.Trigger, runID string, outcome RefreshOutcome) {
	a.record(r, requestID(r), AuditRefreshTriggered,
		"trigger", trigger,
		"run_id", runID,
		"outcome", outcome,
	)
}

func (a *auditLog) record(r *http.Request, id string, action AuditAction, attrs ...any) {
	args := append([]any{
		"action", action,
		"request_id", id,
		"client_ip", extractClientIP(r),
	}, attrs...)
	a.logger.Info("admin audit", args...)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}
