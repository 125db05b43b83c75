package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	agent_id   TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save writes the snapshot, replacing any previous one for the agent.
func (s *SQLiteStore) Save(ctx context.Context, session *models.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (agent_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		session.AgentID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.AgentID, err)
	}
	return nil
}

// Load returns the snapshot for an agent, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*models.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM agent_sessions WHERE agent_id = ?`, agentID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", agentID, err)
	}
	return decodeSession(data)
}

// Delete removes the snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete session %s: %w", agentID, err)
	}
	return nil
}

// List returns the stored agent ids.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM agent_sessions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeSession(session *models.Session) ([]byte, error) {
	if session == nil || session.AgentID == "" {
		return nil, fmt.Errorf("session: missing agent id")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return session.Normalize(), nil
}
