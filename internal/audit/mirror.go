package audit

import (
	"context"
	"fmt"

	"lead_router_backend/internal/events"
	"lead_router_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMirror copies handoff records into Postgres for long-term reporting.
// The shared store stays the source of truth for guards; the mirror only
// outlives its 7 day TTL.
type PostgresMirror struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresMirror creates a mirror on an open pool.
func NewPostgresMirror(pool *pgxpool.Pool, log *logger.Logger) *PostgresMirror {
	return &PostgresMirror{pool: pool, log: log}
}

// RegisterHandlers subscribes the mirror to handoff events.
func (m *PostgresMirror) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.HandoffRecorded{}.EventName(), events.HandlerFunc(m.handle))
}

func (m *PostgresMirror) handle(ctx context.Context, event events.Event) error {
	evt, ok := event.(events.HandoffRecorded)
	if !ok {
		return nil
	}

	id, err := uuid.Parse(evt.RecordID)
	if err != nil {
		return fmt.Errorf("invalid record id %q: %w", evt.RecordID, err)
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO handoff_records (id, contact_id, source_flow, target_flow, confidence, decision, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, id, evt.ContactID, evt.SourceFlow, evt.TargetFlow, evt.Confidence, evt.Decision, evt.At)
	if err != nil {
		m.log.StoreError("mirror handoff record", err)
		return err
	}
	return nil
}
