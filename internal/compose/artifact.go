package compose

import (
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/qreport/internal/rollup"
)

// Artifact is the stored form of a materialised report table. Error is set,
// with a nil Table, when the table could not be built.
type Artifact struct {
	Report       string        `json:"report"`
	Name         string        `json:"name"`
	Title        string        `json:"title,omitempty"`
	Alias        string        `json:"alias"`
	Cutoff       string        `json:"cutoff"`
	Scope        string        `json:"scope"`
	ScopeLabel   string        `json:"scope_label"`
	UploadID     int64         `json:"upload_id,omitempty"`
	UploadedAt   string        `json:"uploaded_at,omitempty"`
	Table        *rollup.Table `json:"table,omitempty"`
	Hints        rollup.Hints  `json:"hints"`
	NoData       bool          `json:"no_data,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	RulesVersion int           `json:"rules_version,omitempty"`
	Kept         int           `json:"kept"`
	Excluded     int           `json:"excluded"`
}

// Encode serialises an artifact for storage.
func Encode(a *Artifact) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", a.Name, err)
	}
	return data, nil
}

// Decode parses a stored artifact.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	return &a, nil
}

// Heading is the section title of the artifact.
func (a *Artifact) Heading() string {
	if a.Title != "" {
		return a.Title
	}
	return a.Name
}
