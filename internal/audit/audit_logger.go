package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/playoffpool/backend/internal/observability"
)

// Actor attributions for audit events.
const (
	ActorSystem = "SYSTEM"
	ActorAdmin  = "ADMIN"
	ActorUser   = "USER"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so audit rows can be
// written inside the transaction whose effects they describe.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Event is one append-only audit record. Rows are never updated or deleted.
type Event struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id,omitempty"`
	EventType string `json:"event_type"`
	ContestID string `json:"contest_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type Logger struct {
	log zerolog.Logger
}

func NewLogger() *Logger {
	return &Logger{log: observability.NewLogger("audit")}
}

// Record appends the event to the audit_log table and echoes it to the
// structured log. The DB write shares the caller's transaction; a failed
// write fails the surrounding operation rather than being dropped.
func (a *Logger) Record(ctx context.Context, db Execer, ev Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_type, actor_id, event_type, contest_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ActorType, ev.ActorID, ev.EventType, ev.ContestID, details, time.Now())
	if err != nil {
		return err
	}

	a.log.Info().
		Str("actor_type", ev.ActorType).
		Str("event_type", ev.EventType).
		Str("contest_id", ev.ContestID).
		RawJSON("details", details).
		Msg("audit event")
	return nil
}

// RecordSystem is Record with SYSTEM attribution.
func (a *Logger) RecordSystem(ctx context.Context, db Execer, eventType, contestID string, details any) error {
	return a.Record(ctx, db, Event{
		ActorType: ActorSystem,
		EventType: eventType,
		ContestID: contestID,
		Details:   details,
	})
}
