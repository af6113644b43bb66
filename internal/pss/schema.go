package pss

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Policy controls how the codec treats stream identifiers the schema does
// not declare.
type Policy string

const (
	PolicyIgnore Policy = "ignore"
	PolicyWarn   Policy = "warn"
	PolicyError  Policy = "error"
)

// ParsePolicy validates a policy name. Empty means warn.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyWarn, nil
	case PolicyIgnore, PolicyWarn, PolicyError:
		return p, nil
	default:
		return "", fmt.Errorf("unknown unknown_fields policy %q", s)
	}
}

// DefaultMaxPacketSize bounds a single datagram.
const DefaultMaxPacketSize = 8192

// StreamDef lists the positional fields of one stream.
type StreamDef struct {
	ID       string   `json:"id,omitempty" yaml:"id,omitempty"`
	Required []string `json:"required" yaml:"required"`
	Optional []string `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Schema is a versioned PSS rule set. A Schema is immutable once built;
// swap a whole value through Holder to change rules at runtime.
type Schema struct {
	Version       string               `json:"version" yaml:"version"`
	Year          string               `json:"year,omitempty" yaml:"year,omitempty"`
	Description   string               `json:"description,omitempty" yaml:"description,omitempty"`
	Streams       map[string]StreamDef `json:"streams" yaml:"streams"`
	Examples      []string             `json:"examples,omitempty" yaml:"examples,omitempty"`
	Metadata      map[string]string    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	PointValues   map[string]int       `json:"point_values,omitempty" yaml:"point_values,omitempty"`
	UnknownFields Policy               `json:"unknown_fields,omitempty" yaml:"unknown_fields,omitempty"`
	Separator     string               `json:"separator,omitempty" yaml:"separator,omitempty"`
	MaxPacketSize int                  `json:"max_packet_size,omitempty" yaml:"max_packet_size,omitempty"`
}

// DefaultPointValues is used when a schema carries no points table.
func DefaultPointValues() map[string]int {
	return map[string]int{
		"punch":     1,
		"body":      2,
		"head":      3,
		"body_tech": 4,
		"head_tech": 5,
	}
}

// normalize upper-cases stream identifiers and fills defaults.
func (s *Schema) normalize() error {
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("schema: version is required")
	}
	if len(s.Streams) == 0 {
		return fmt.Errorf("schema %s: no streams declared", s.Version)
	}
	streams := make(map[string]StreamDef, len(s.Streams))
	for id, def := range s.Streams {
		key := normalizeStreamID(id)
		if key == "" {
			return fmt.Errorf("schema %s: empty stream identifier", s.Version)
		}
		if _, dup := streams[key]; dup {
			return fmt.Errorf("schema %s: duplicate stream %s", s.Version, key)
		}
		def.ID = key
		seen := make(map[string]struct{}, len(def.Required)+len(def.Optional))
		for _, f := range append(append([]string(nil), def.Required...), def.Optional...) {
			if f == "" {
				return fmt.Errorf("schema %s: stream %s has an empty field name", s.Version, key)
			}
			if _, dup := seen[f]; dup {
				return fmt.Errorf("schema %s: stream %s declares field %q twice", s.Version, key, f)
			}
			seen[f] = struct{}{}
		}
		streams[key] = def
	}
	s.Streams = streams

	if len(s.PointValues) == 0 {
		s.PointValues = DefaultPointValues()
	} else {
		pv := make(map[string]int, len(s.PointValues))
		for k, v := range s.PointValues {
			pv[strings.ToLower(strings.TrimSpace(k))] = v
		}
		s.PointValues = pv
	}
	if s.UnknownFields == "" {
		s.UnknownFields = PolicyWarn
	}
	if _, err := ParsePolicy(string(s.UnknownFields)); err != nil {
		return fmt.Errorf("schema %s: %w", s.Version, err)
	}
	if s.Separator == "" {
		s.Separator = ";"
	}
	if s.MaxPacketSize <= 0 {
		s.MaxPacketSize = DefaultMaxPacketSize
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return nil
}

// Stream looks up a stream definition by identifier.
func (s *Schema) Stream(id string) (StreamDef, bool) {
	def, ok := s.Streams[normalizeStreamID(id)]
	return def, ok
}

// StreamIDs returns the declared identifiers in sorted order.
func (s *Schema) StreamIDs() []string {
	ids := make([]string, 0, len(s.Streams))
	for id := range s.Streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PointValue resolves a point_type token. Named types come from the
// schema table; bare integers (including negative adjustments) are taken
// literally.
func (s *Schema) PointValue(pointType string) (int, bool) {
	key := strings.ToLower(strings.TrimSpace(pointType))
	if v, ok := s.PointValues[key]; ok {
		return v, true
	}
	if n, err := strconv.Atoi(key); err == nil {
		return n, true
	}
	return 0, false
}

// WithPolicy returns a copy of s using a different unknown-stream policy.
func (s *Schema) WithPolicy(p Policy) *Schema {
	cp := *s
	cp.UnknownFields = p
	return &cp
}

// WithMaxPacketSize returns a copy of s truncating payloads at n bytes.
// Non-positive n keeps the schema's own bound.
func (s *Schema) WithMaxPacketSize(n int) *Schema {
	cp := *s
	if n > 0 {
		cp.MaxPacketSize = n
	}
	return &cp
}

func normalizeStreamID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Holder publishes the active schema. Readers always observe a complete
// schema; Swap is atomic.
type Holder struct {
	p atomic.Pointer[Schema]
}

// NewHolder returns a holder with s active.
func NewHolder(s *Schema) *Holder {
	h := &Holder{}
	h.p.Store(s)
	return h
}

// Load returns the active schema.
func (h *Holder) Load() *Schema { return h.p.Load() }

// Swap installs s and returns the previous schema.
func (h *Holder) Swap(s *Schema) *Schema { return h.p.Swap(s) }
