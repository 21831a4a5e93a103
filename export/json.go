package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/a11yscan/idgen"
	"github.com/hazyhaar/a11yscan/report"
)

// Tool identity written into every export.
const (
	ToolName    = "a11yscan"
	ToolVersion = "1.0.0"
	ToolURI     = "https://github.com/hazyhaar/a11yscan"
)

// Meta describes one export.
type Meta struct {
	Generator  string    `json:"generator"`
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	ExportID   string    `json:"exportId"`
}

// NewMeta stamps a fresh export.
func NewMeta() Meta {
	return Meta{
		Generator:  ToolName,
		Version:    ToolVersion,
		ExportedAt: time.Now().UTC(),
		ExportID:   idgen.New(),
	}
}

// Envelope is the JSON export document.
type Envelope struct {
	Meta
	Report *report.Report `json:"report"`
}

// JSON encodes r inside a metadata envelope.
func JSON(r *report.Report, meta Meta) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("export: nil report")
	}
	data, err := json.MarshalIndent(Envelope{Meta: meta, Report: r}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: json: %w", err)
	}
	return data, nil
}

// ParseJSON decodes a JSON export. The report statistics are recomputed
// from its sequences.
func ParseJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("export: parse json: %w", err)
	}
	if env.Report == nil {
		return nil, fmt.Errorf("export: parse json: no report")
	}
	env.Report = env.Report.WithStatistics()
	return &env, nil
}
