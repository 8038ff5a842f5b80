package vector

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sensei/internal/domain"
)

// CreateSession starts a new conversation under a random UUID.
func (s *Store) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	now := s.now().UTC()
	sess := domain.Session{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := now.Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Title, ts, ts)
	if err != nil {
		return domain.Session{}, storeErr("Store.CreateSession", err)
	}
	return sess, nil
}

// ListSessions returns every session, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC, rowid DESC`)
	if err != nil {
		return nil, storeErr("Store.ListSessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("Store.ListSessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("Store.ListSessions", err)
	}
	return out, nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, sessionNotFound("Store.GetSession", id)
	}
	if err != nil {
		return domain.Session{}, storeErr("Store.GetSession", err)
	}
	return sess, nil
}

// RenameSession replaces the title and marks the session active.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(title), s.timestamp(), id)
	if err != nil {
		return storeErr("Store.RenameSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessionNotFound("Store.RenameSession", id)
	}
	return nil
}

// DeleteSession removes a session and, through the foreign key, its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storeErr("Store.DeleteSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessionNotFound("Store.DeleteSession", id)
	}
	return nil
}

// AddMessage appends a turn to a session and bumps its activity time.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string) (domain.SessionMessage, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return domain.SessionMessage{}, domain.NewDomainError("Store.AddMessage", domain.ErrInvalidInput, "empty role")
	}
	now := s.now().UTC()
	msg := domain.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	ts := now.Format(timeLayout)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, msg.Content, ts)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionMessage{}, sessionNotFound("Store.AddMessage", sessionID)
	}
	if err != nil {
		return domain.SessionMessage{}, storeErr("Store.AddMessage", err)
	}
	return msg, nil
}

// Messages returns a session's turns in the order they were added.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]domain.SessionMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, storeErr("Store.Messages", err)
	}
	defer rows.Close()

	var out []domain.SessionMessage
	for rows.Next() {
		var (
			m         domain.SessionMessage
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, storeErr("Store.Messages", err)
		}
		m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("Store.Messages", err)
	}
	return out, nil
}

func scanSession(row interface{ Scan(dest ...any) error }) (domain.Session, error) {
	var (
		sess             domain.Session
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
		return domain.Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(timeLayout, created)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return sess, nil
}

func sessionNotFound(op, id string) error {
	return domain.NewSubSystemError("session", op, domain.ErrNotFound, id)
}
