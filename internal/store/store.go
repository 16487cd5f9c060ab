// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists chat sessions in a local SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/util"
)

// ErrSessionNotFound is returned when the requested session ID does not
// exist.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	preview    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	id           TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	display      TEXT NOT NULL DEFAULT '',
	context      TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	tool_raw     TEXT NOT NULL DEFAULT '',
	hidden       INTEGER NOT NULL DEFAULT 0,
	timestamp_ns INTEGER NOT NULL,
	token_count  INTEGER NOT NULL DEFAULT 0,
	ttft_ns      INTEGER NOT NULL DEFAULT 0,
	total_ns     INTEGER NOT NULL DEFAULT 0,
	tok_per_sec  REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionMeta summarizes one stored session for listing.
type SessionMeta struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	Preview      string
}

// Store is a SQLite-backed session archive. Safe for concurrent use;
// writes are serialized through a single connection.
type Store struct {
	db          *sql.DB
	maxSessions int
	logger      zerolog.Logger
}

// Open opens (creating if needed) the session database at path.
// maxSessions caps how many sessions are kept; the oldest are pruned on
// save. Zero means unlimited.
func Open(path string, maxSessions int, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, maxSessions: maxSessions, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE / LOAD
// =============================================================================

// Save writes the full conversation, replacing any prior snapshot with
// the same ID, and returns the session ID. Saving also prunes the oldest
// sessions beyond the configured cap.
func (s *Store) Save(conv *model.Conversation) (string, error) {
	title := conv.GetTitle()
	preview := sessionPreview(conv)

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, title, created_at, updated_at, preview)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			preview = excluded.preview
	`, conv.ID, title, conv.CreatedAt.UnixNano(), time.Now().UnixNano(), preview)
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", conv.ID); err != nil {
		return "", err
	}

	insert, err := tx.Prepare(`
		INSERT INTO messages (
			session_id, seq, id, role, content, display, context,
			tool_name, tool_raw, hidden, timestamp_ns,
			token_count, ttft_ns, total_ns, tok_per_sec
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", err
	}
	defer insert.Close()

	for seq, msg := range conv.GetHistory() {
		hidden := 0
		if msg.Hidden {
			hidden = 1
		}
		_, err := insert.Exec(
			conv.ID, seq, msg.ID, string(msg.Role), msg.Content,
			msg.DisplayContent, msg.ContextPayload,
			msg.ToolName, msg.ToolCallRaw, hidden, msg.Timestamp.UnixNano(),
			msg.TokenCount, int64(msg.TTFT), int64(msg.TotalDuration),
			msg.TokensPerSec,
		)
		if err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	if s.maxSessions > 0 {
		s.enforceLimit()
	}
	s.logger.Debug().Str("session_id", conv.ID).Int("messages", conv.MessageCount()).Msg("session saved")
	return conv.ID, nil
}

// Load rebuilds a conversation from its stored snapshot.
func (s *Store) Load(id string) (*model.Conversation, error) {
	conv := &model.Conversation{ID: id}
	var createdNs, updatedNs int64
	err := s.db.QueryRow(
		"SELECT title, created_at, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&conv.Title, &createdNs, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(0, createdNs)
	conv.UpdatedAt = time.Unix(0, updatedNs)

	rows, err := s.db.Query(`
		SELECT id, role, content, display, context,
		       tool_name, tool_raw, hidden, timestamp_ns,
		       token_count, ttft_ns, total_ns, tok_per_sec
		FROM messages WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg              model.Message
			role             string
			hidden           int
			tsNs, ttft, totl int64
		)
		err := rows.Scan(
			&msg.ID, &role, &msg.Content, &msg.DisplayContent, &msg.ContextPayload,
			&msg.ToolName, &msg.ToolCallRaw, &hidden, &tsNs,
			&msg.TokenCount, &ttft, &totl, &msg.TokensPerSec,
		)
		if err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msg.Hidden = hidden != 0
		msg.Timestamp = time.Unix(0, tsNs)
		msg.TTFT = time.Duration(ttft)
		msg.TotalDuration = time.Duration(totl)
		m := msg
		conv.Messages = append(conv.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("session_id", id).Int("messages", len(conv.Messages)).Msg("session loaded")
	return conv, nil
}

// LoadByIndex loads by position in the most-recent-first listing
// (0 = newest).
func (s *Store) LoadByIndex(index int) (*model.Conversation, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(metas) {
		return nil, ErrSessionNotFound
	}
	return s.Load(metas[index].ID)
}

// =============================================================================
// LIST / SEARCH
// =============================================================================

const metaColumns = `
	s.id, s.title, s.created_at, s.updated_at, s.preview,
	(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
`

// List returns stored sessions, most recently updated first.
func (s *Store) List() ([]SessionMeta, error) {
	rows, err := s.db.Query(
		"SELECT " + metaColumns + " FROM sessions s ORDER BY s.updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetas(rows)
}

// SearchMessages returns sessions where any message body contains the
// query, case-insensitively. An empty query lists everything.
func (s *Store) SearchMessages(query string) ([]SessionMeta, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.List()
	}
	rows, err := s.db.Query(`
		SELECT `+metaColumns+`
		FROM sessions s
		WHERE EXISTS (
			SELECT 1 FROM messages m
			WHERE m.session_id = s.id AND LOWER(m.content) LIKE '%' || LOWER(?) || '%'
		)
		ORDER BY s.updated_at DESC
	`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetas(rows)
}

func scanMetas(rows *sql.Rows) ([]SessionMeta, error) {
	var metas []SessionMeta
	for rows.Next() {
		var (
			meta                 SessionMeta
			createdNs, updatedNs int64
		)
		err := rows.Scan(&meta.ID, &meta.Title, &createdNs, &updatedNs, &meta.Preview, &meta.MessageCount)
		if err != nil {
			return nil, err
		}
		meta.CreatedAt = time.Unix(0, createdNs)
		meta.UpdatedAt = time.Unix(0, updatedNs)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Count returns the number of stored sessions.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes one session and its messages.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Clear removes every stored session.
func (s *Store) Clear() error {
	_, err := s.db.Exec("DELETE FROM sessions")
	return err
}

// enforceLimit deletes the oldest sessions beyond the cap. Failures are
// logged and otherwise ignored; pruning runs again on the next save.
func (s *Store) enforceLimit() {
	_, err := s.db.Exec(`
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)
	`, s.maxSessions)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session prune failed")
	}
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders a conversation as a markdown transcript.
// Hidden entries and tool-call markers are omitted.
func ExportMarkdown(conv *model.Conversation) string {
	var sb strings.Builder
	sb.WriteString("# " + conv.GetTitle() + "\n\n")
	sb.WriteString("Created: " + conv.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range conv.GetHistory() {
		if msg.Hidden || msg.Role == model.RoleToolCallMarker {
			continue
		}
		sb.WriteString("**" + msg.Role.DisplayName() + "** (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.DisplayText())
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// sessionPreview is the first user message, truncated for listings.
func sessionPreview(conv *model.Conversation) string {
	for _, msg := range conv.GetHistory() {
		if msg.Role == model.RoleUser {
			return util.TruncateRunes(strings.ReplaceAll(msg.Content, "\n", " "), 80)
		}
	}
	return ""
}
