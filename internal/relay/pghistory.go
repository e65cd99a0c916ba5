package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGHistory persists frame logs in PostgreSQL so relay restarts do not lose
// the shared document history.
type PGHistory struct {
	db *sql.DB
}

// OpenPG connects to PostgreSQL and ensures the fragment log table exists.
func OpenPG(ctx context.Context, databaseURL string) (*PGHistory, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	const ensure = `
		CREATE TABLE IF NOT EXISTS collab_frames (
			seq         BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			frame       BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS collab_frames_document_idx
			ON collab_frames (document_id, seq);
	`
	if _, err := db.ExecContext(ctx, ensure); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure collab_frames: %w", err)
	}
	return &PGHistory{db: db}, nil
}

// Append records a frame at the end of a document's log.
func (h *PGHistory) Append(ctx context.Context, documentID string, frame []byte) error {
	const insert = `INSERT INTO collab_frames (document_id, frame) VALUES ($1, $2)`
	if _, err := h.db.ExecContext(ctx, insert, documentID, frame); err != nil {
		return fmt.Errorf("append frame: %w", err)
	}
	return nil
}

// Load returns a document's frame log in append order.
func (h *PGHistory) Load(ctx context.Context, documentID string) ([][]byte, error) {
	const query = `SELECT frame FROM collab_frames WHERE document_id = $1 ORDER BY seq`
	rows, err := h.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}
	defer rows.Close()

	var frames [][]byte
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

// Close closes the database handle.
func (h *PGHistory) Close() error {
	return h.db.Close()
}
