package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/experiment"
)

// DBFileName is the name of the tabular copy written next to run.json.
const DBFileName = "results.db"

// SQLiteSink mirrors runs, cells and predictions into SQLite tables.
type SQLiteSink struct {
	db *sql.DB
}

var _ experiment.Sink = (*SQLiteSink)(nil)

// OpenSQLiteSink opens or creates the results database at dbPath.
func OpenSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		support TEXT NOT NULL,
		support_mode TEXT NOT NULL,
		query TEXT NOT NULL,
		grid TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cells (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		backbone TEXT NOT NULL,
		shots INTEGER NOT NULL,
		threshold REAL NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		predictions INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, key)
	);

	CREATE TABLE IF NOT EXISTS predictions (
		run_id TEXT NOT NULL,
		cell_key TEXT NOT NULL,
		ref TEXT NOT NULL,
		path TEXT NOT NULL,
		label TEXT NOT NULL,
		best_class TEXT NOT NULL,
		score REAL NOT NULL,
		similarities TEXT NOT NULL,
		PRIMARY KEY (run_id, cell_key, ref)
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_label ON predictions(run_id, cell_key, label);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) Begin(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	grid, err := json.Marshal(info.Grid)
	if err != nil {
		return fmt.Errorf("failed to marshal grid: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, support, support_mode, query, grid)
		VALUES (?, ?, ?, ?, ?, ?)
	`, info.ID, info.StartedAt.Format(time.RFC3339Nano), info.Support, info.SupportMode, info.Query, string(grid))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	for _, c := range cells {
		if err := upsertCell(ctx, tx, info.ID, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) Persist(ctx context.Context, info experiment.RunInfo, r experiment.CellResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE run_id = ? AND cell_key = ?`, info.ID, r.Cell.Key); err != nil {
		return fmt.Errorf("failed to clear predictions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO predictions (run_id, cell_key, ref, path, label, best_class, score, similarities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range r.Predictions {
		sims, err := json.Marshal(p.Similarities)
		if err != nil {
			return fmt.Errorf("failed to marshal similarities: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, info.ID, r.Cell.Key, p.Ref, p.Path, p.Label, p.BestClass, p.Score, string(sims)); err != nil {
			return fmt.Errorf("failed to insert prediction %s: %w", p.Ref, err)
		}
	}
	if err := upsertCell(ctx, tx, info.ID, r.Cell); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteSink) Update(ctx context.Context, info experiment.RunInfo, c experiment.Cell) error {
	return upsertCell(ctx, s.db, info.ID, c)
}

func (s *SQLiteSink) Finish(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var finished any
	if info.FinishedAt != nil {
		finished = info.FinishedAt.Format(time.RFC3339Nano)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, finished, info.ID); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	for _, c := range cells {
		if err := upsertCell(ctx, tx, info.ID, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Predictions reads back the stored predictions of one cell, sorted by ref.
func (s *SQLiteSink) Predictions(ctx context.Context, runID, key string) ([]classify.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref, path, label, best_class, score, similarities
		FROM predictions WHERE run_id = ? AND cell_key = ?
		ORDER BY ref
	`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []classify.Prediction
	for rows.Next() {
		var p classify.Prediction
		var sims string
		if err := rows.Scan(&p.Ref, &p.Path, &p.Label, &p.BestClass, &p.Score, &sims); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		if err := json.Unmarshal([]byte(sims), &p.Similarities); err != nil {
			return nil, fmt.Errorf("failed to parse similarities of %s: %w", p.Ref, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CellStatus returns a cell's stored status.
func (s *SQLiteSink) CellStatus(ctx context.Context, runID, key string) (experiment.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM cells WHERE run_id = ? AND key = ?`, runID, key).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to read cell %s: %w", key, err)
	}
	return experiment.Status(status), nil
}

// Close closes the database connection
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertCell(ctx context.Context, db execer, runID string, c experiment.Cell) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cells (run_id, key, backbone, shots, threshold, status, reason, predictions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			predictions = excluded.predictions,
			updated_at = excluded.updated_at
	`, runID, c.Key, string(c.Config.Backbone), c.Config.Shots, c.Config.Threshold,
		string(c.Status), c.Reason, c.Predictions, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record cell %s: %w", c.Key, err)
	}
	return nil
}
