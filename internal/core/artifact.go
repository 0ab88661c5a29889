package core

import "time"

// ArtifactType is the storage type of an artifact payload.
type ArtifactType string

const (
	ArtifactJSON     ArtifactType = "json"
	ArtifactMarkdown ArtifactType = "md"
	ArtifactText     ArtifactType = "txt"
	ArtifactCSV      ArtifactType = "csv"
)

// Valid reports whether the type is supported by the artifact store.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactJSON, ArtifactMarkdown, ArtifactText, ArtifactCSV:
		return true
	}
	return false
}

// Metadata keys stamped on artifacts produced by a run.
const (
	MetaRunID     = "run_id"
	MetaNodeID    = "node_id"
	MetaContract  = "contract"
	MetaSkill     = "skill"
	MetaAttempt   = "attempt"
	MetaDeletedAt = "deleted_at"
)

// Artifact is an immutable stored payload. Deletion only stamps DeletedAt.
type Artifact struct {
	ID        string            `json:"id"`
	Type      ArtifactType      `json:"type"`
	Content   string            `json:"content"`
	Encoding  string            `json:"encoding"`
	Hash      string            `json:"hash"`
	URI       string            `json:"uri"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the artifact was logically deleted.
func (a Artifact) Deleted() bool { return a.DeletedAt != nil }
