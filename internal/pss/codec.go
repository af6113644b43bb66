package pss

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decode translates one datagram payload into events under schema s.
// It is pure and deterministic: the same bytes always yield the same
// events and diagnostics. Unusable records are reported, never fatal.
func Decode(s *Schema, data []byte) ([]Event, []Diagnostic) {
	if len(data) == 0 {
		return nil, nil
	}

	var (
		events []Event
		diags  []Diagnostic
	)
	if len(data) > s.MaxPacketSize {
		diags = append(diags, Diagnostic{
			Kind:    DiagTruncated,
			Message: fmt.Sprintf("payload of %d bytes truncated to %d", len(data), s.MaxPacketSize),
		})
		data = data[:s.MaxPacketSize]
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r\x00 \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, ds := decodeRecord(s, line)
		diags = append(diags, ds...)
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, diags
}

// DecodeLine decodes a single record without the packet-size limit.
func DecodeLine(s *Schema, line string) (Event, []Diagnostic) {
	return decodeRecord(s, line)
}

func decodeRecord(s *Schema, line string) (Event, []Diagnostic) {
	if !utf8.ValidString(line) {
		return rawEvent("", line, nil, nil), []Diagnostic{{
			Kind:    DiagUnparseable,
			Message: "record is not valid UTF-8",
			Line:    strings.ToValidUTF8(line, "?"),
		}}
	}

	tokens := strings.Split(line, s.Separator)
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	// A trailing separator leaves an absent field, not an empty one.
	for len(tokens) > 1 && tokens[len(tokens)-1] == "" {
		tokens = tokens[:len(tokens)-1]
	}

	id := normalizeStreamID(tokens[0])
	if id == "" {
		return rawEvent("", line, nil, tokens[1:]), []Diagnostic{{
			Kind:    DiagUnparseable,
			Message: "record has no stream identifier",
			Line:    line,
		}}
	}

	def, ok := s.Stream(id)
	if !ok {
		diag := Diagnostic{
			Kind:    DiagUnknownStream,
			Stream:  id,
			Message: fmt.Sprintf("stream %s is not declared by schema %s", id, s.Version),
			Line:    line,
		}
		switch s.UnknownFields {
		case PolicyIgnore:
			return nil, nil
		case PolicyError:
			return nil, []Diagnostic{diag}
		default:
			return rawEvent(id, line, nil, tokens[1:]), []Diagnostic{diag}
		}
	}

	args := tokens[1:]
	if len(args) < len(def.Required) {
		missing := def.Required[len(args)]
		return nil, []Diagnostic{{
			Kind:    DiagMissingField,
			Stream:  id,
			Field:   missing,
			Message: fmt.Sprintf("required field %q missing (%d of %d present)", missing, len(args), len(def.Required)),
			Line:    line,
		}}
	}

	rec := &record{stream: id, line: line, fields: make(map[string]string, len(args))}
	for i, name := range def.Required {
		rec.fields[name] = args[i]
	}
	rest := args[len(def.Required):]
	for i, name := range def.Optional {
		if i >= len(rest) {
			break
		}
		if rest[i] != "" {
			rec.fields[name] = rest[i]
		}
	}
	if len(rest) > len(def.Optional) {
		rec.tail = append([]string(nil), rest[len(def.Optional):]...)
	}

	build, ok := builders[id]
	if !ok {
		return rawEvent(id, line, rec.fields, rec.tail), nil
	}
	ev, diag := build(rec)
	if diag != nil {
		diag.Stream = id
		diag.Line = line
		if diag.Kind == DiagSchemaMismatch {
			return rawEvent(id, line, rec.fields, rec.tail), []Diagnostic{*diag}
		}
		return nil, []Diagnostic{*diag}
	}
	h := ev.header()
	h.Stream, h.Line = id, line
	return ev, nil
}

func rawEvent(stream, line string, fields map[string]string, tail []string) *Raw {
	r := &Raw{Header: Header{Stream: stream, Line: line}}
	if len(fields) > 0 {
		r.Fields = fields
	}
	if len(tail) > 0 {
		r.Tail = append([]string(nil), tail...)
	}
	return r
}

// record is one bound stream line.
type record struct {
	stream string
	line   string
	fields map[string]string
	tail   []string
}

func (r *record) has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

func (r *record) str(name string) string { return r.fields[name] }

func (r *record) need(names ...string) *Diagnostic {
	for _, n := range names {
		if !r.has(n) {
			return &Diagnostic{
				Kind:    DiagSchemaMismatch,
				Field:   n,
				Message: fmt.Sprintf("schema does not bind field %q for %s", n, r.stream),
			}
		}
	}
	return nil
}

func (r *record) position(name string) (int, *Diagnostic) {
	v, err := parsePosition(r.fields[name])
	if err != nil {
		return 0, invalid(name, err)
	}
	return v, nil
}

func (r *record) count(name string) (int, *Diagnostic) {
	v, err := parseCount(r.fields[name])
	if err != nil {
		return 0, invalid(name, err)
	}
	return v, nil
}

func (r *record) optCount(name string) (int, *Diagnostic) {
	if !r.has(name) {
		return 0, nil
	}
	return r.count(name)
}

func (r *record) clock(name string) (int, *Diagnostic) {
	v, err := parseClock(r.fields[name])
	if err != nil {
		return 0, invalid(name, err)
	}
	return v, nil
}

func invalid(field string, err error) *Diagnostic {
	return &Diagnostic{Kind: DiagInvalidValue, Field: field, Message: err.Error()}
}

type builder func(r *record) (Event, *Diagnostic)

var builders = map[string]builder{
	"POINTS":      buildPoints,
	"HITLEVEL":    buildHitLevel,
	"WARNINGS":    buildWarnings,
	"CLOCK":       buildClock,
	"MATCH":       buildMatchInfo,
	"ATHLETE":     buildAthlete,
	"ROUNDWINNER": buildRoundWinner,
	"ROUND":       buildRound,
	"INJURY":      buildInjury,
	"SCORES":      buildScores,
	"WINNER":      buildWinner,
}

func buildPoints(r *record) (Event, *Diagnostic) {
	if d := r.need("athlete", "point_type"); d != nil {
		return nil, d
	}
	athlete, d := r.position("athlete")
	if d != nil {
		return nil, d
	}
	pt := strings.ToLower(r.str("point_type"))
	if pt == "" {
		return nil, invalid("point_type", fmt.Errorf("empty point type"))
	}
	return &Points{Athlete: athlete, PointType: pt}, nil
}

func buildHitLevel(r *record) (Event, *Diagnostic) {
	if d := r.need("athlete", "level"); d != nil {
		return nil, d
	}
	athlete, d := r.position("athlete")
	if d != nil {
		return nil, d
	}
	level, d := r.count("level")
	if d != nil {
		return nil, d
	}
	return &HitLevel{Athlete: athlete, Level: level}, nil
}

func buildWarnings(r *record) (Event, *Diagnostic) {
	if d := r.need("a1", "a2"); d != nil {
		return nil, d
	}
	a1, d := r.count("a1")
	if d != nil {
		return nil, d
	}
	a2, d := r.count("a2")
	if d != nil {
		return nil, d
	}
	return &Warnings{A1: a1, A2: a2}, nil
}

func buildClock(r *record) (Event, *Diagnostic) {
	if d := r.need("time"); d != nil {
		return nil, d
	}
	secs, d := r.clock("time")
	if d != nil {
		return nil, d
	}
	action := ClockNone
	if r.has("action") {
		switch a := ClockAction(strings.ToLower(r.str("action"))); a {
		case ClockStart, ClockStop, ClockPause:
			action = a
		default:
			return nil, invalid("action", fmt.Errorf("unknown clock action %q", r.str("action")))
		}
	}
	return &Clock{Seconds: secs, Action: action}, nil
}

func buildMatchInfo(r *record) (Event, *Diagnostic) {
	if d := r.need("match_id"); d != nil {
		return nil, d
	}
	id := r.str("match_id")
	if id == "" {
		return nil, invalid("match_id", fmt.Errorf("empty match id"))
	}
	rounds, d := r.optCount("rounds")
	if d != nil {
		return nil, d
	}
	var dur int
	if r.has("round_duration") {
		if dur, d = r.clock("round_duration"); d != nil {
			return nil, d
		}
	}
	return &MatchInfo{
		MatchID:       id,
		Number:        r.str("number"),
		Category:      r.str("category"),
		Weight:        r.str("weight"),
		Rounds:        rounds,
		RoundDuration: dur,
	}, nil
}

func buildAthlete(r *record) (Event, *Diagnostic) {
	if d := r.need("position", "code", "short_name"); d != nil {
		return nil, d
	}
	pos, d := r.position("position")
	if d != nil {
		return nil, d
	}
	var colors []string
	for _, name := range []string{"color_primary", "color_secondary"} {
		if c := r.str(name); c != "" {
			colors = append(colors, c)
		}
	}
	return &Athlete{
		Position:  pos,
		Code:      r.str("code"),
		ShortName: r.str("short_name"),
		LongName:  r.str("long_name"),
		Country:   r.str("country"),
		Colors:    colors,
	}, nil
}

func buildRoundWinner(r *record) (Event, *Diagnostic) {
	if d := r.need("position"); d != nil {
		return nil, d
	}
	pos, d := r.position("position")
	if d != nil {
		return nil, d
	}
	return &RoundWinner{Position: pos}, nil
}

func buildRound(r *record) (Event, *Diagnostic) {
	if d := r.need("round"); d != nil {
		return nil, d
	}
	n, d := r.count("round")
	if d != nil {
		return nil, d
	}
	return &Round{Number: n}, nil
}

func buildInjury(r *record) (Event, *Diagnostic) {
	if d := r.need("time"); d != nil {
		return nil, d
	}
	secs, d := r.clock("time")
	if d != nil {
		return nil, d
	}
	var athlete int
	if r.has("athlete") {
		if athlete, d = r.position("athlete"); d != nil {
			return nil, d
		}
	}
	return &Injury{Seconds: secs, Athlete: athlete, Action: strings.ToLower(r.str("action"))}, nil
}

func buildScores(r *record) (Event, *Diagnostic) {
	if d := r.need("r1_a1", "r1_a2"); d != nil {
		return nil, d
	}
	var rounds [][2]int
	for i := 1; i <= 3; i++ {
		k1, k2 := fmt.Sprintf("r%d_a1", i), fmt.Sprintf("r%d_a2", i)
		if !r.has(k1) || !r.has(k2) {
			break
		}
		s1, d := r.count(k1)
		if d != nil {
			return nil, d
		}
		s2, d := r.count(k2)
		if d != nil {
			return nil, d
		}
		rounds = append(rounds, [2]int{s1, s2})
	}
	return &Scores{Rounds: rounds}, nil
}

func buildWinner(r *record) (Event, *Diagnostic) {
	if d := r.need("name"); d != nil {
		return nil, d
	}
	return &Winner{Name: r.str("name"), Classification: r.str("classification")}, nil
}

// parseNumber accepts both comma and dot as decimal separator.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

// parseCount parses a non-negative integral value; "3,0" and "3.0" are 3.
func parseCount(s string) (int, error) {
	f, err := parseNumber(s)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer, got %q", s)
	}
	if f < 0 || f > math.MaxInt32 {
		return 0, fmt.Errorf("value %q out of range", s)
	}
	return int(f), nil
}

func parsePosition(s string) (int, error) {
	n, err := parseCount(s)
	if err != nil {
		return 0, err
	}
	if n != 1 && n != 2 {
		return 0, fmt.Errorf("athlete position %d out of range {1,2}", n)
	}
	return n, nil
}

// parseClock accepts "m:ss", "h:mm:ss" or plain seconds; fractional
// seconds are floored.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty clock value")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	total := 0.0
	for i, p := range parts {
		v, err := parseNumber(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		if i < len(parts)-1 && v != math.Trunc(v) {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		total = total*60 + v
	}
	return int(math.Floor(total)), nil
}
