// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store keeps a SQLite history of aggregation results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/monitord/internal/model"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// Store persists aggregation results. It implements aggregator.ResultSink.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	connStr := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == Memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		attribute TEXT NOT NULL,
		function TEXT NOT NULL,
		value TEXT NOT NULL,
		count INTEGER NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_entity ON results(entity_id, attribute, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends a result.
func (s *Store) Record(ctx context.Context, r model.AggregationResult) error {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO results (entity_id, attribute, function, value, count, window_start, window_end, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EntityID, r.Attribute, string(r.Function), string(value), r.Count,
		formatTime(r.WindowStart), formatTime(r.WindowEnd), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", r.EntityID, err)
	}
	return nil
}

// Latest returns the most recent result of every attribute of an entity,
// ordered by attribute. An unknown entity yields an empty slice.
func (s *Store) Latest(ctx context.Context, entityID string) ([]model.AggregationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT entity_id, attribute, function, value, count, window_start, window_end
	FROM results
	WHERE id IN (
		SELECT MAX(id) FROM results WHERE entity_id = ? GROUP BY attribute
	)
	ORDER BY attribute`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	return scanResults(rows)
}

// History returns up to limit results of one attribute, newest first.
func (s *Store) History(ctx context.Context, entityID, attribute string, limit int) ([]model.AggregationResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT entity_id, attribute, function, value, count, window_start, window_end
	FROM results
	WHERE entity_id = ? AND attribute = ?
	ORDER BY id DESC
	LIMIT ?`, entityID, attribute, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return scanResults(rows)
}

// Prune deletes results recorded before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE recorded_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune results: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanResults(rows *sql.Rows) ([]model.AggregationResult, error) {
	defer rows.Close()

	results := []model.AggregationResult{}
	for rows.Next() {
		var (
			r          model.AggregationResult
			function   string
			value      string
			start, end string
		)
		if err := rows.Scan(&r.EntityID, &r.Attribute, &function, &value, &r.Count, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Function = model.AggregationFunc(function)
		if err := json.Unmarshal([]byte(value), &r.Value); err != nil {
			return nil, fmt.Errorf("failed to decode value: %w", err)
		}
		var err error
		if r.WindowStart, err = parseTime(start); err != nil {
			return nil, err
		}
		if r.WindowEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
