// Package archive is a write-only postgres audit log for executions and
// incidents. Best effort: failures are logged and never block callers.
package archive

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/models"
	"github.com/arbflow/arbflow/internal/safety"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	opportunity_id TEXT        NOT NULL,
	type           TEXT        NOT NULL,
	symbol         TEXT        NOT NULL,
	success        BOOLEAN     NOT NULL,
	pnl            DOUBLE PRECISION NOT NULL,
	gas_used       BIGINT      NOT NULL,
	tx_ref         TEXT,
	recorded_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT        NOT NULL,
	type        TEXT        NOT NULL,
	severity    TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	opened_at   TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);`

// Archive writes audit rows. A nil *Archive (no DSN configured) is a
// valid no-op receiver.
type Archive struct {
	db     *sqlx.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open connects to postgres and ensures the audit tables. Returns nil
// with no error when archiving is not configured.
func Open(cfg config.ArchiveConfig) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	a := newArchive(db)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(db *sqlx.DB) *Archive {
	return &Archive{
		db:     db,
		logger: log.With().Str("component", "archive").Logger(),
		now:    time.Now,
	}
}

// Close releases the connection pool.
func (a *Archive) Close() {
	if a == nil {
		return
	}
	a.db.Close()
}

// RecordExecution appends one execution result.
func (a *Archive) RecordExecution(ctx context.Context, opp models.Opportunity, res models.ExecutionResult) {
	if a == nil {
		return
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO executions (opportunity_id, type, symbol, success, pnl, gas_used, tx_ref, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.OpportunityID, string(opp.Type), opp.Symbol, res.Success,
		res.PnL, int64(res.GasUsed), res.TxRef, a.now())
	if err != nil {
		a.logger.Warn().Err(err).Str("opportunity", res.OpportunityID).
			Msg("execution archive write failed")
	}
}

// RecordIncident appends one incident row.
func (a *Archive) RecordIncident(ctx context.Context, inc *safety.Incident) {
	if a == nil || inc == nil {
		return
	}
	var resolved any
	if !inc.ResolvedAt.IsZero() {
		resolved = inc.ResolvedAt
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO incidents (incident_id, type, severity, status, opened_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inc.ID, inc.Type, string(inc.Severity), string(inc.Status), inc.OpenedAt, resolved)
	if err != nil {
		a.logger.Warn().Err(err).Str("incident", inc.ID).
			Msg("incident archive write failed")
	}
}
