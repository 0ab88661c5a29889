package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Contract names shared between the planner, the tools and the runner.
const (
	ContractJobInput       = "job.input"
	ContractSearchResults  = "search.results"
	ContractDocumentsRaw   = "documents.raw"
	ContractDocumentsClean = "documents.clean"
	ContractFindings       = "findings"
	ContractReport         = "report"
)

// ErrContractMismatch is returned when an envelope carries a different contract than expected.
var ErrContractMismatch = errors.New("contract mismatch")

// Envelope is the typed wrapper every tool consumes and produces.
type Envelope struct {
	Contract string          `json:"contract"`
	Data     json.RawMessage `json:"data"`
}

// NewEnvelope marshals v into an envelope of the given contract.
func NewEnvelope(contract string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", contract, err)
	}
	return Envelope{Contract: contract, Data: data}, nil
}

// DecodeEnvelope unmarshals the payload of env after checking its contract.
func DecodeEnvelope[T any](env Envelope, contract string) (T, error) {
	var out T
	if env.Contract != contract {
		return out, fmt.Errorf("%w: want %s, got %s", ErrContractMismatch, contract, env.Contract)
	}
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", contract, err)
	}
	return out, nil
}

// FindEnvelope returns the first envelope with the given contract.
func FindEnvelope(envs []Envelope, contract string) (Envelope, bool) {
	for _, e := range envs {
		if e.Contract == contract {
			return e, true
		}
	}
	return Envelope{}, false
}

// SearchHit is one ranked search result.
type SearchHit struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Site    string  `json:"site"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Document is a fetched page. A failed fetch keeps the URL, sets Error and leaves Content empty.
type Document struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	PublishedAt string            `json:"published_at,omitempty"`
	Author      string            `json:"author,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Failed reports whether the document was recorded as a fetch failure.
func (d Document) Failed() bool { return d.Error != "" }

// Citation supports a finding with a snippet of its source.
type Citation struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	Published string    `json:"published,omitempty"`
	Accessed  time.Time `json:"accessed,omitempty"`
}

// Finding is a structured claim extracted from documents.
type Finding struct {
	Claim      string     `json:"claim"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
}

// Report is the synthesized deliverable.
type Report struct {
	Title     string     `json:"title"`
	Format    string     `json:"format"`
	Body      string     `json:"body"`
	Citations []Citation `json:"citations"`
}
