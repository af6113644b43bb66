package pss

import "time"

// Kind tags an Event variant.
type Kind string

const (
	KindPoints      Kind = "points"
	KindHitLevel    Kind = "hit_level"
	KindWarnings    Kind = "warnings"
	KindClock       Kind = "clock"
	KindMatchInfo   Kind = "match_info"
	KindAthlete     Kind = "athlete"
	KindRoundWinner Kind = "round_winner"
	KindRound       Kind = "round"
	KindInjury      Kind = "injury"
	KindScores      Kind = "scores"
	KindWinner      Kind = "winner"
	KindRaw         Kind = "raw"
)

// Header carries the origin of an event. Seq is assigned by the ingest
// side in receipt order.
type Header struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"`
	Stream     string    `json:"stream"`
	Line       string    `json:"line"`
}

// Meta returns the header.
func (h *Header) Meta() Header { return *h }

func (h *Header) header() *Header { return h }

// Event is one decoded PSS record.
type Event interface {
	Kind() Kind
	Meta() Header
	header() *Header
}

// Stamp sets the origin of ev, keeping the decoded stream and line.
func Stamp(ev Event, seq uint64, receivedAt time.Time, source string) {
	h := ev.header()
	h.Seq, h.ReceivedAt, h.Source = seq, receivedAt, source
}

// Points awards point_type to athlete (1 or 2).
type Points struct {
	Header
	Athlete   int    `json:"athlete"`
	PointType string `json:"point_type"`
}

// HitLevel reports the impact level registered for an athlete.
type HitLevel struct {
	Header
	Athlete int `json:"athlete"`
	Level   int `json:"level"`
}

// Warnings is the scoreboard's authoritative warning count per athlete.
type Warnings struct {
	Header
	A1 int `json:"a1"`
	A2 int `json:"a2"`
}

// ClockAction is the optional verb of a Clock record.
type ClockAction string

const (
	ClockNone  ClockAction = ""
	ClockStart ClockAction = "start"
	ClockStop  ClockAction = "stop"
	ClockPause ClockAction = "pause"
)

// Clock updates the match clock.
type Clock struct {
	Header
	Seconds int         `json:"seconds"`
	Action  ClockAction `json:"action,omitempty"`
}

// MatchInfo announces the current match.
type MatchInfo struct {
	Header
	MatchID       string `json:"match_id"`
	Number        string `json:"number,omitempty"`
	Category      string `json:"category,omitempty"`
	Weight        string `json:"weight,omitempty"`
	Rounds        int    `json:"rounds,omitempty"`
	RoundDuration int    `json:"round_duration,omitempty"`
}

// Athlete describes the competitor at a position.
type Athlete struct {
	Header
	Position  int      `json:"position"`
	Code      string   `json:"code"`
	ShortName string   `json:"short_name"`
	LongName  string   `json:"long_name,omitempty"`
	Country   string   `json:"country,omitempty"`
	Colors    []string `json:"colors,omitempty"`
}

// RoundWinner closes the current round.
type RoundWinner struct {
	Header
	Position int `json:"position"`
}

// Round announces the round in progress.
type Round struct {
	Header
	Number int `json:"number"`
}

// Injury reports injury time, optionally for one athlete.
type Injury struct {
	Header
	Seconds int    `json:"seconds"`
	Athlete int    `json:"athlete,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Scores carries per-round scores as shown on the scoreboard.
type Scores struct {
	Header
	Rounds [][2]int `json:"rounds"`
}

// Winner announces the match winner.
type Winner struct {
	Header
	Name           string `json:"name"`
	Classification string `json:"classification,omitempty"`
}

// Raw is a record the codec could not map to a typed variant. Fields holds
// whatever was bound by name; Tail holds surplus tokens.
type Raw struct {
	Header
	Fields map[string]string `json:"fields,omitempty"`
	Tail   []string          `json:"tail,omitempty"`
}

func (*Points) Kind() Kind      { return KindPoints }
func (*HitLevel) Kind() Kind    { return KindHitLevel }
func (*Warnings) Kind() Kind    { return KindWarnings }
func (*Clock) Kind() Kind       { return KindClock }
func (*MatchInfo) Kind() Kind   { return KindMatchInfo }
func (*Athlete) Kind() Kind     { return KindAthlete }
func (*RoundWinner) Kind() Kind { return KindRoundWinner }
func (*Round) Kind() Kind       { return KindRound }
func (*Injury) Kind() Kind      { return KindInjury }
func (*Scores) Kind() Kind      { return KindScores }
func (*Winner) Kind() Kind      { return KindWinner }
func (*Raw) Kind() Kind         { return KindRaw }
