// Package memory persists group chat state in SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"groupchat/internal/domain"

	_ "modernc.org/sqlite"
)

const settingsKey = "scheduler"

// SQLiteStore keeps each collection as JSON documents keyed by id. It
// implements domain.Persister and domain.UsageRecorder.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces a whole collection in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, collection string, docs map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for id, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, id, string(body), now); err != nil {
			return fmt.Errorf("insert %s/%s: %w", collection, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("collection saved", "collection", collection, "docs", len(docs))
	return nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st domain.Settings) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		settingsKey, string(body), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadAll reads every collection. Documents that no longer decode are
// skipped with a warning rather than failing the whole load.
func (s *SQLiteStore) LoadAll(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}
	if err := loadCollection(ctx, s, domain.CollectionAgents, &snap.Agents); err != nil {
		return nil, err
	}
	if err := loadCollection(ctx, s, domain.CollectionProviders, &snap.Providers); err != nil {
		return nil, err
	}
	if err := loadCollection(ctx, s, domain.CollectionSessions, &snap.Sessions); err != nil {
		return nil, err
	}
	if err := loadCollection(ctx, s, domain.CollectionGroups, &snap.Groups); err != nil {
		return nil, err
	}

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM settings WHERE key = ?`, settingsKey).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	default:
		var st domain.Settings
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			s.logger.Warn("skip corrupt settings", "err", err)
		} else {
			snap.Settings = &st
		}
	}
	return snap, nil
}

func loadCollection[T any](ctx context.Context, s *SQLiteStore, collection string, dst *[]T) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return fmt.Errorf("load %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			s.logger.Warn("skip corrupt document", "collection", collection, "id", id, "err", err)
			continue
		}
		*dst = append(*dst, v)
	}
	return rows.Err()
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, r domain.UsageRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (session_id, agent_id, model_id, outcome, tokens_in, tokens_out, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.AgentID, r.ModelID, r.Outcome.String(), r.Input, r.Output, r.Cost, r.At,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageByAgent sums the ledger per agent, most expensive first. An empty
// sessionID covers all sessions.
func (s *SQLiteStore) UsageByAgent(ctx context.Context, sessionID string) ([]domain.AgentUsage, error) {
	query := `SELECT agent_id, COUNT(*),
			SUM(CASE WHEN outcome = 'pass' THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost), 0)
		FROM usage_log`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY agent_id ORDER BY SUM(cost) DESC, agent_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentUsage
	for rows.Next() {
		var u domain.AgentUsage
		if err := rows.Scan(&u.AgentID, &u.Turns, &u.Passes, &u.Input, &u.Output, &u.Cost); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
