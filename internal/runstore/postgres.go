package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// PostgresStore keeps each session as a JSONB document in runner_sessions, with the
// filterable fields duplicated into indexed columns.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (p *PostgresStore) Create(ctx context.Context, s core.RunnerSession) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", s.RunID, err)
	}
	_, err = p.DB.ExecContext(ctx, `
INSERT INTO runner_sessions (run_id, session_id, conversation_id, owner_id, status, document, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
`, s.RunID, s.ID, s.ConversationID, s.OwnerID, string(s.Status), doc, s.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrRunExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (core.RunnerSession, error) {
	var doc []byte
	err := p.DB.QueryRowContext(ctx, `SELECT document FROM runner_sessions WHERE run_id=$1`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunnerSession{}, ErrRunNotFound
	}
	if err != nil {
		return core.RunnerSession{}, err
	}
	return decode(doc)
}

// Update locks the row for the duration of fn.
func (p *PostgresStore) Update(ctx context.Context, runID string, fn func(*core.RunnerSession) error) (core.RunnerSession, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return core.RunnerSession{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT document FROM runner_sessions WHERE run_id=$1 FOR UPDATE`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunnerSession{}, ErrRunNotFound
	}
	if err != nil {
		return core.RunnerSession{}, err
	}
	s, err := decode(doc)
	if err != nil {
		return core.RunnerSession{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	if err := fn(&s); err != nil {
		return core.RunnerSession{}, err
	}
	next, err := json.Marshal(s)
	if err != nil {
		return core.RunnerSession{}, fmt.Errorf("encode run %s: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE runner_sessions SET status=$2, document=$3, updated_at=$4 WHERE run_id=$1
`, runID, string(s.Status), next, time.Now().UTC()); err != nil {
		return core.RunnerSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.RunnerSession{}, err
	}
	return s, nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter, limit int) ([]core.RunnerSession, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	add("conversation_id", f.ConversationID)
	add("owner_id", f.OwnerID)
	if f.OwnerID == "" && f.Unowned {
		where = append(where, "owner_id=''")
	}
	add("status", string(f.Status))

	q := `SELECT document FROM runner_sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, run_id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.RunnerSession
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		s, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
