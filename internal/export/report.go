// Package export assembles persisted match data into a self-contained
// report and writes it to stdout or files.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/restrike/restrike-vta/internal/encoding"
	"github.com/restrike/restrike-vta/internal/match"
	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/store"
)

// SchemaID identifies the report layout.
const SchemaID = "restrike.match.export.v1"

// Report is everything known about one match.
type Report struct {
	Schema      string            `json:"schema"`
	ExportID    string            `json:"export_id"`
	CreatedAt   time.Time         `json:"created_at"`
	MatchID     string            `json:"match_id"`
	PSSVersion  string            `json:"pss_version"`
	Recording   *Recording        `json:"recording,omitempty"`
	Final       match.State       `json:"final"`
	Events      []encoding.Record `json:"events"`
	Diagnostics []pss.Diagnostic  `json:"diagnostics,omitempty"`
}

// Recording is the path OBS was told to record the match to.
type Recording struct {
	Session   string    `json:"session"`
	Directory string    `json:"directory"`
	Filename  string    `json:"filename"`
	FullPath  string    `json:"full_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Source is the persisted data a report is built from.
type Source interface {
	EventsForMatch(ctx context.Context, matchID string) ([]store.EventRow, error)
	GeneratedPathFor(ctx context.Context, matchID string) (store.PathRow, bool, error)
}

// Build re-decodes the stored lines of matchID under schema and folds them
// into the final match state.
func Build(ctx context.Context, src Source, schema *pss.Schema, matchID string, now time.Time) (*Report, error) {
	rows, err := src.EventsForMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no events stored for match %q", matchID)
	}

	r := &Report{
		Schema:     SchemaID,
		ExportID:   uuid.NewString(),
		CreatedAt:  now.UTC(),
		MatchID:    matchID,
		PSSVersion: schema.Version,
		Events:     make([]encoding.Record, 0, len(rows)),
	}

	model := match.NewModel(pss.NewHolder(schema), match.WithClock(func() time.Time { return now }))
	for _, row := range rows {
		ev, diags := pss.DecodeLine(schema, row.Line)
		for _, d := range diags {
			d.Seq = row.Seq
			r.Diagnostics = append(r.Diagnostics, d)
		}
		if ev == nil {
			continue
		}
		pss.Stamp(ev, row.Seq, row.ReceivedAt, row.Source)
		res := model.Apply(ev)
		r.Diagnostics = append(r.Diagnostics, res.Diagnostics...)
		rec, err := encoding.NewRecord(ev)
		if err != nil {
			return nil, err
		}
		r.Events = append(r.Events, rec)
	}
	r.Final = model.Snapshot()

	p, ok, err := src.GeneratedPathFor(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if ok {
		r.Recording = &Recording{
			Session:   p.Session,
			Directory: p.Directory,
			Filename:  p.Filename,
			FullPath:  p.FullPath,
			CreatedAt: p.CreatedAt,
		}
	}
	return r, r.Validate()
}

// Validate checks the fields every consumer relies on.
func (r *Report) Validate() error {
	if r.Schema != SchemaID {
		return &ValidationError{Field: "schema", Message: "must be '" + SchemaID + "'"}
	}
	if r.ExportID == "" {
		return &ValidationError{Field: "export_id", Message: "is required"}
	}
	if r.MatchID == "" {
		return &ValidationError{Field: "match_id", Message: "is required"}
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "is required"}
	}
	return nil
}

// ValidationError names the offending report field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
