// Package sink_sql is an optional CallRecordSink backed by database/sql,
// for deployments that persist call records into a real call-log database
// instead of the default JSON-lines file. It is a separate package so
// pkg/finalize never forces a SQL driver import on callers who don't need
// one.
package sink_sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lokutor-ai/callengine/pkg/finalize"
)

// Sink persists call records through a *sql.DB using a fixed insert
// statement. Callers supply their own driver-specific *sql.DB (postgres,
// mysql, sqlite, ...); this package only issues the INSERT.
type Sink struct {
	DB        *sql.DB
	TableName string // defaults to "call_records"
}

// New constructs a Sink, defaulting TableName when empty.
func New(db *sql.DB, tableName string) *Sink {
	if tableName == "" {
		tableName = "call_records"
	}
	return &Sink{DB: db, TableName: tableName}
}

// Persist inserts one row per call record.
func (s *Sink) Persist(ctx context.Context, rec finalize.CallRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(linked_id, domain, bot_name, caller, identity, started_at, ended_at,
		 duration_secs, turn_count, recording_path, transcript_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.TableName)

	_, err := s.DB.ExecContext(ctx, query,
		rec.LinkedID, rec.Domain, rec.BotName, rec.Caller, rec.Identity,
		rec.StartedAt, rec.EndedAt, rec.DurationSecs, rec.TurnCount,
		rec.RecordingPath, rec.TranscriptPath,
	)
	if err != nil {
		return fmt.Errorf("sink_sql: insert call record: %w", err)
	}
	return nil
}
