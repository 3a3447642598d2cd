package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kdimtricp/raqa/internal/models"
)

// ResultRepository is the journal of results surfaced by analysis sessions.
type ResultRepository struct {
	db *DB
}

func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

func (r *ResultRepository) Insert(ctx context.Context, rec *models.ResultRecord) error {
	var distance sql.NullFloat64
	if rec.Distance != nil {
		distance = sql.NullFloat64{Float64: *rec.Distance, Valid: true}
	}

	query := r.db.rebind(`
		INSERT INTO analysis_results (id, session_id, source_uri, kind, distance, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.conn.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.SourceURI, string(rec.Kind), distance, rec.Message, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

func (r *ResultRepository) ListBySession(ctx context.Context, sessionID string) ([]models.ResultRecord, error) {
	query := r.db.rebind(`
		SELECT id, session_id, source_uri, kind, distance, message, created_at
		FROM analysis_results
		WHERE session_id = ?
		ORDER BY created_at ASC`)

	return r.query(ctx, query, sessionID)
}

// ListRecent returns the newest results first.
func (r *ResultRepository) ListRecent(ctx context.Context, limit int) ([]models.ResultRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.db.rebind(`
		SELECT id, session_id, source_uri, kind, distance, message, created_at
		FROM analysis_results
		ORDER BY created_at DESC
		LIMIT ?`)

	return r.query(ctx, query, limit)
}

func (r *ResultRepository) query(ctx context.Context, query string, args ...any) ([]models.ResultRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	records := []models.ResultRecord{}
	for rows.Next() {
		var (
			rec      models.ResultRecord
			kind     string
			distance sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.SourceURI, &kind, &distance, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.Kind = models.ResultKind(kind)
		if distance.Valid {
			d := distance.Float64
			rec.Distance = &d
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return records, nil
}
