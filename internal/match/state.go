// Package match folds the PSS event stream into the current match state.
package match

import "time"

// AthleteInfo is the scoreboard's description of one competitor.
type AthleteInfo struct {
	Code      string   `json:"code,omitempty"`
	ShortName string   `json:"short_name,omitempty"`
	LongName  string   `json:"long_name,omitempty"`
	Country   string   `json:"country,omitempty"`
	Colors    []string `json:"colors,omitempty"`
}

// State is an immutable snapshot of the match. Index 0 of every pair is
// athlete 1.
type State struct {
	MatchID       string `json:"match_id,omitempty"`
	Number        string `json:"number,omitempty"`
	Category      string `json:"category,omitempty"`
	Weight        string `json:"weight,omitempty"`
	Rounds        int    `json:"rounds,omitempty"`
	RoundDuration int    `json:"round_duration,omitempty"`

	RoundNumber int      `json:"round_number"`
	Score       [2]int   `json:"current_score"`
	RoundScores [][2]int `json:"round_scores,omitempty"`
	RoundWins   [2]int   `json:"round_wins"`
	Warnings    [2]int   `json:"warnings"`
	GamJeom     [2]int   `json:"gam_jeom"`
	HitLevels   [2]int   `json:"hit_levels"`

	ClockSeconds  int  `json:"clock_seconds"`
	ClockRunning  bool `json:"clock_running"`
	InjurySeconds int  `json:"injury_seconds,omitempty"`
	InjuryActive  bool `json:"injury_active,omitempty"`

	Athletes [2]AthleteInfo `json:"athletes"`

	Winner               string `json:"winner,omitempty"`
	WinnerClassification string `json:"winner_classification,omitempty"`

	LastEventSeq uint64    `json:"last_event_seq"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CurrentScore returns the score of athlete 1 or 2.
func (s State) CurrentScore(athlete int) int {
	if athlete < 1 || athlete > 2 {
		return 0
	}
	return s.Score[athlete-1]
}

// Athlete returns the info for position 1 or 2.
func (s State) Athlete(position int) AthleteInfo {
	if position < 1 || position > 2 {
		return AthleteInfo{}
	}
	return s.Athletes[position-1]
}

// HasMatch reports whether a match id has been observed.
func (s State) HasMatch() bool { return s.MatchID != "" }

func (s State) clone() State {
	cp := s
	if s.RoundScores != nil {
		cp.RoundScores = append([][2]int(nil), s.RoundScores...)
	}
	for i := range cp.Athletes {
		if s.Athletes[i].Colors != nil {
			cp.Athletes[i].Colors = append([]string(nil), s.Athletes[i].Colors...)
		}
	}
	return cp
}

// TransitionKind names a match-level change worth reacting to.
type TransitionKind string

const (
	MatchStarted   TransitionKind = "match_started"
	MatchCompleted TransitionKind = "match_completed"
	RoundCompleted TransitionKind = "round_completed"
	WinnerDeclared TransitionKind = "winner_declared"
	ClockStarted   TransitionKind = "clock_started"
	ClockStopped   TransitionKind = "clock_stopped"
)

// Transition is published when the fold crosses a match boundary. State is
// the snapshot the transition refers to: for MatchCompleted it is the
// finished match, otherwise the state after the change.
type Transition struct {
	Kind  TransitionKind `json:"kind"`
	State State          `json:"state"`
}
