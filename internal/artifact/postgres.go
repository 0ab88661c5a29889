package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// PostgresStore persists artifacts in the artifacts table.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Put(ctx context.Context, req PutRequest) (Ref, error) {
	req, err := normalize(req)
	if err != nil {
		return Ref{}, err
	}
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return Ref{}, fmt.Errorf("encode metadata: %w", err)
	}
	id := newID()
	uri := "artifact://" + id
	hash := Hash(req.Content)
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO artifacts (id, type, content, encoding, hash, uri, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, id, string(req.Type), req.Content, req.Encoding, hash, uri, meta)
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: id, URI: uri, Hash: hash}, nil
}

const selectArtifact = `
SELECT id, type, content, encoding, hash, uri, metadata, created_at, deleted_at
FROM artifacts
`

func (s *PostgresStore) Get(ctx context.Context, id string) (core.Artifact, error) {
	row := s.DB.QueryRowContext(ctx, selectArtifact+`WHERE id=$1
`, id)
	art, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Artifact{}, ErrNotFound
	}
	return art, err
}

func (s *PostgresStore) GetMany(ctx context.Context, ids []string) (map[string]core.Artifact, error) {
	out := make(map[string]core.Artifact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, selectArtifact+`WHERE id = ANY($1)
`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out[art.ID] = art
	}
	return out, rows.Err()
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM artifacts WHERE id=$1 AND deleted_at IS NULL)`, id).Scan(&ok)
	return ok, err
}

// Delete stamps deleted_at; rows are never removed.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE artifacts SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var found bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM artifacts WHERE id=$1)`, id).Scan(&found); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (core.Artifact, error) {
	var (
		art     core.Artifact
		typ     string
		meta    []byte
		deleted sql.NullTime
	)
	if err := row.Scan(&art.ID, &typ, &art.Content, &art.Encoding, &art.Hash, &art.URI, &meta, &art.CreatedAt, &deleted); err != nil {
		return core.Artifact{}, err
	}
	art.Type = core.ArtifactType(typ)
	art.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &art.Metadata); err != nil {
			return core.Artifact{}, fmt.Errorf("decode metadata for %s: %w", art.ID, err)
		}
	}
	if deleted.Valid {
		ts := deleted.Time
		art.DeletedAt = &ts
		art.Metadata[core.MetaDeletedAt] = ts.Format(time.RFC3339Nano)
	}
	return art, nil
}

var _ Store = (*PostgresStore)(nil)
