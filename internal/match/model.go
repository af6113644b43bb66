package match

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/pss"
)

// Result describes the effect of one applied event.
type Result struct {
	Changed     bool
	Diagnostics []pss.Diagnostic
	Transitions []Transition
}

// Model owns the mutable match state. Apply must only be called from one
// goroutine (Run does this); Snapshot may be called from anywhere.
type Model struct {
	schema      *pss.Holder
	cur         State
	announced   [2]bool // athlete positions announced since the last match id
	published   atomic.Pointer[State]
	transitions *journal.Journal[Transition]
	completed   *journal.Journal[State]
	diagnostics *journal.Journal[pss.Diagnostic]
	log         logger.Logger
	now         func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the model logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Model) { m.log = l }
}

// WithClock overrides the wall clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// NewModel creates a Model reading point values from schema.
func NewModel(schema *pss.Holder, opts ...Option) *Model {
	m := &Model{
		schema:      schema,
		transitions: journal.New[Transition](journal.DefaultCapacity),
		completed:   journal.New[State](journal.DefaultCapacity),
		diagnostics: journal.New[pss.Diagnostic](journal.DefaultCapacity),
		log:         logger.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	initial := m.cur.clone()
	m.published.Store(&initial)
	return m
}

// Snapshot returns the last published state.
func (m *Model) Snapshot() State {
	return m.published.Load().clone()
}

// Transitions subscribes to match-level transitions.
func (m *Model) Transitions() (<-chan Transition, func()) {
	return m.transitions.Subscribe()
}

// Completed subscribes to snapshots of matches that were superseded by a
// new match id.
func (m *Model) Completed() (<-chan State, func()) {
	return m.completed.Subscribe()
}

// RecentTransitions returns the retained transitions, oldest first.
func (m *Model) RecentTransitions() []Transition {
	return m.transitions.Snapshot()
}

// Diagnostics subscribes to fold diagnostics.
func (m *Model) Diagnostics() (<-chan pss.Diagnostic, func()) {
	return m.diagnostics.Subscribe()
}

// RecentDiagnostics returns the retained fold diagnostics.
func (m *Model) RecentDiagnostics() []pss.Diagnostic {
	return m.diagnostics.Snapshot()
}

// Run folds events until ctx is done or events is closed.
func (m *Model) Run(ctx context.Context, events <-chan pss.Event) error {
	defer m.transitions.Close()
	defer m.completed.Close()
	defer m.diagnostics.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Apply(ev)
		}
	}
}

// Apply folds one event into the state and publishes a new snapshot when
// anything changed.
func (m *Model) Apply(ev pss.Event) Result {
	var res Result
	meta := ev.Meta()

	if meta.Seq != 0 && meta.Seq <= m.cur.LastEventSeq {
		res.Diagnostics = append(res.Diagnostics, pss.Diagnostic{
			Kind:    pss.DiagOutOfOrder,
			Stream:  meta.Stream,
			Seq:     meta.Seq,
			Message: fmt.Sprintf("sequence %d not after %d", meta.Seq, m.cur.LastEventSeq),
			Line:    meta.Line,
		})
		m.emit(&res)
		return res
	}

	before := m.cur.clone()
	switch e := ev.(type) {
	case *pss.Points:
		m.applyPoints(e, &res)
	case *pss.HitLevel:
		m.cur.HitLevels[e.Athlete-1] = e.Level
	case *pss.Warnings:
		m.applyWarnings(e, &res)
	case *pss.Clock:
		m.applyClock(e, &res)
	case *pss.MatchInfo:
		m.applyMatchInfo(e, &res)
	case *pss.Athlete:
		m.cur.Athletes[e.Position-1] = AthleteInfo{
			Code:      e.Code,
			ShortName: e.ShortName,
			LongName:  e.LongName,
			Country:   e.Country,
			Colors:    append([]string(nil), e.Colors...),
		}
		m.announced[e.Position-1] = true
	case *pss.RoundWinner:
		m.applyRoundWinner(e, &res)
	case *pss.Round:
		if e.Number < m.cur.RoundNumber {
			res.Diagnostics = append(res.Diagnostics, pss.Diagnostic{
				Kind:    pss.DiagOutOfOrder,
				Stream:  meta.Stream,
				Seq:     meta.Seq,
				Message: fmt.Sprintf("round %d announced after round %d", e.Number, m.cur.RoundNumber),
			})
		} else {
			m.cur.RoundNumber = e.Number
		}
	case *pss.Injury:
		m.cur.InjurySeconds = e.Seconds
		switch e.Action {
		case "hide", "stop", "end":
			m.cur.InjuryActive = false
		default:
			m.cur.InjuryActive = true
		}
	case *pss.Scores:
		m.cur.RoundScores = append([][2]int(nil), e.Rounds...)
	case *pss.Winner:
		m.cur.Winner = e.Name
		m.cur.WinnerClassification = e.Classification
		if before.Winner != e.Name {
			m.transition(&res, WinnerDeclared, m.cur)
		}
	case *pss.Raw:
		// carried by the journal only
	}

	if meta.Seq != 0 {
		m.cur.LastEventSeq = meta.Seq
	}
	res.Changed = !statesEqual(before, m.cur)
	if res.Changed || meta.Seq != 0 {
		m.cur.UpdatedAt = m.now()
		snap := m.cur.clone()
		m.published.Store(&snap)
	}
	m.emit(&res)
	return res
}

func (m *Model) emit(res *Result) {
	for _, d := range res.Diagnostics {
		m.diagnostics.Push(d)
		m.log.Warn(context.Background(), "match diagnostic",
			logger.String("kind", string(d.Kind)),
			logger.String("stream", d.Stream),
			logger.String("message", d.Message))
	}
	for _, t := range res.Transitions {
		if t.Kind == MatchCompleted {
			m.completed.Push(t.State)
		}
		m.transitions.Push(t)
		m.log.Info(context.Background(), "match transition",
			logger.String("kind", string(t.Kind)),
			logger.String("match_id", t.State.MatchID))
	}
}

func (m *Model) transition(res *Result, kind TransitionKind, s State) {
	res.Transitions = append(res.Transitions, Transition{Kind: kind, State: s.clone()})
}

func (m *Model) applyPoints(e *pss.Points, res *Result) {
	value, ok := m.schema.Load().PointValue(e.PointType)
	if !ok {
		res.Diagnostics = append(res.Diagnostics, pss.Diagnostic{
			Kind:    pss.DiagInvalidValue,
			Stream:  e.Stream,
			Field:   "point_type",
			Seq:     e.Seq,
			Message: fmt.Sprintf("point type %q has no value in schema %s", e.PointType, m.schema.Load().Version),
		})
		return
	}
	idx := e.Athlete - 1
	next := m.cur.Score[idx] + value
	if next < 0 {
		res.Diagnostics = append(res.Diagnostics, pss.Diagnostic{
			Kind:    pss.DiagScoreClamped,
			Stream:  e.Stream,
			Seq:     e.Seq,
			Message: fmt.Sprintf("athlete %d score %d clamped to 0", e.Athlete, next),
		})
		next = 0
	}
	m.cur.Score[idx] = next
}

func (m *Model) applyWarnings(e *pss.Warnings, res *Result) {
	if e.A1 < m.cur.Warnings[0] || e.A2 < m.cur.Warnings[1] {
		res.Diagnostics = append(res.Diagnostics, pss.Diagnostic{
			Kind:   pss.DiagWarningsDecreased,
			Stream: e.Stream,
			Seq:    e.Seq,
			Message: fmt.Sprintf("warnings %d/%d -> %d/%d",
				m.cur.Warnings[0], m.cur.Warnings[1], e.A1, e.A2),
		})
	}
	m.cur.Warnings = [2]int{e.A1, e.A2}
	m.cur.GamJeom = [2]int{e.A1, e.A2}
}

func (m *Model) applyClock(e *pss.Clock, res *Result) {
	m.cur.ClockSeconds = e.Seconds
	was := m.cur.ClockRunning
	switch e.Action {
	case pss.ClockStart:
		m.cur.ClockRunning = true
	case pss.ClockStop, pss.ClockPause:
		m.cur.ClockRunning = false
	}
	switch {
	case !was && m.cur.ClockRunning:
		m.transition(res, ClockStarted, m.cur)
	case was && !m.cur.ClockRunning:
		m.transition(res, ClockStopped, m.cur)
	}
}

func (m *Model) applyMatchInfo(e *pss.MatchInfo, res *Result) {
	if e.MatchID != m.cur.MatchID {
		if m.cur.MatchID != "" {
			m.transition(res, MatchCompleted, m.cur)
		}
		prev := m.cur.Athletes
		// the sequence guard restarts with the match
		m.cur = State{MatchID: e.MatchID}
		// athletes announced ahead of a match id belong to the new match
		for i, ok := range m.announced {
			if ok {
				m.cur.Athletes[i] = prev[i]
			}
		}
		m.announced = [2]bool{}
		defer func() { m.transition(res, MatchStarted, m.cur) }()
	}
	m.cur.Number = e.Number
	m.cur.Category = e.Category
	m.cur.Weight = e.Weight
	if e.Rounds > 0 {
		m.cur.Rounds = e.Rounds
	}
	if e.RoundDuration > 0 {
		m.cur.RoundDuration = e.RoundDuration
	}
}

func (m *Model) applyRoundWinner(e *pss.RoundWinner, res *Result) {
	m.cur.RoundScores = append(m.cur.RoundScores, m.cur.Score)
	m.cur.RoundWins[e.Position-1]++
	m.cur.RoundNumber++
	m.transition(res, RoundCompleted, m.cur)
}

func statesEqual(a, b State) bool {
	if a.MatchID != b.MatchID || a.Number != b.Number || a.Category != b.Category ||
		a.Weight != b.Weight || a.Rounds != b.Rounds || a.RoundDuration != b.RoundDuration ||
		a.RoundNumber != b.RoundNumber || a.Score != b.Score || a.RoundWins != b.RoundWins ||
		a.Warnings != b.Warnings || a.GamJeom != b.GamJeom || a.HitLevels != b.HitLevels ||
		a.ClockSeconds != b.ClockSeconds || a.ClockRunning != b.ClockRunning ||
		a.InjurySeconds != b.InjurySeconds || a.InjuryActive != b.InjuryActive ||
		a.Winner != b.Winner || a.WinnerClassification != b.WinnerClassification {
		return false
	}
	if len(a.RoundScores) != len(b.RoundScores) {
		return false
	}
	for i := range a.RoundScores {
		if a.RoundScores[i] != b.RoundScores[i] {
			return false
		}
	}
	for i := range a.Athletes {
		x, y := a.Athletes[i], b.Athletes[i]
		if x.Code != y.Code || x.ShortName != y.ShortName || x.LongName != y.LongName ||
			x.Country != y.Country || len(x.Colors) != len(y.Colors) {
			return false
		}
		for k := range x.Colors {
			if x.Colors[k] != y.Colors[k] {
				return false
			}
		}
	}
	return true
}
