package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// ErrNotFound is returned when an artifact id is unknown to the store.
var ErrNotFound = errors.New("artifact not found")

// Store persists immutable text artifacts.
type Store interface {
	Put(ctx context.Context, req PutRequest) (Ref, error)
	Get(ctx context.Context, id string) (core.Artifact, error)
	GetMany(ctx context.Context, ids []string) (map[string]core.Artifact, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// PutRequest describes a new artifact.
type PutRequest struct {
	Type     core.ArtifactType
	Content  string
	Encoding string
	Metadata map[string]string
}

// Ref identifies a stored artifact.
type Ref struct {
	ID   string `json:"id"`
	URI  string `json:"uri"`
	Hash string `json:"hash"`
}

// Hash returns the hex SHA-256 digest of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newID() string { return "art_" + uuid.NewString() }

func normalize(req PutRequest) (PutRequest, error) {
	if req.Type == "" {
		req.Type = core.ArtifactText
	}
	if !req.Type.Valid() {
		return req, fmt.Errorf("unsupported artifact type %q", req.Type)
	}
	if req.Encoding == "" {
		req.Encoding = "utf-8"
	}
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	req.Metadata = meta
	return req, nil
}

// PutJSON marshals v and stores it as a json artifact.
func PutJSON(ctx context.Context, s Store, v any, meta map[string]string) (Ref, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Ref{}, fmt.Errorf("encode json artifact: %w", err)
	}
	return s.Put(ctx, PutRequest{Type: core.ArtifactJSON, Content: string(data), Metadata: meta})
}

// PutMarkdown stores a markdown document.
func PutMarkdown(ctx context.Context, s Store, body string, meta map[string]string) (Ref, error) {
	return s.Put(ctx, PutRequest{Type: core.ArtifactMarkdown, Content: body, Metadata: meta})
}

// PutText stores plain text.
func PutText(ctx context.Context, s Store, body string, meta map[string]string) (Ref, error) {
	return s.Put(ctx, PutRequest{Type: core.ArtifactText, Content: body, Metadata: meta})
}

// PutCSV encodes rows and stores them as a csv artifact.
func PutCSV(ctx context.Context, s Store, rows [][]string, meta map[string]string) (Ref, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return Ref{}, fmt.Errorf("encode csv artifact: %w", err)
	}
	return s.Put(ctx, PutRequest{Type: core.ArtifactCSV, Content: buf.String(), Metadata: meta})
}
