package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Connection is one row of the OBS connection registry.
type Connection struct {
	Name                  string
	Position              int
	Host                  string
	Port                  int
	Password              string
	Enabled               bool
	TimeoutSeconds        int
	AutoReconnect         bool
	ReconnectDelaySeconds int
	MaxReconnectAttempts  int
	UpdatedAt             time.Time
}

// Tournament is the singleton tournament settings row.
type Tournament struct {
	Name       string
	Day        string
	VideosRoot string
	UpdatedAt  time.Time
}

// EventRow is one persisted PSS event.
type EventRow struct {
	ID         int64
	Seq        uint64
	ReceivedAt time.Time
	Source     string
	Stream     string
	Kind       string
	Line       string
	MatchID    string
}

// SessionRow is one persisted OBS status transition.
type SessionRow struct {
	ID         int64
	Connection string
	FromState  string
	ToState    string
	Message    string
	At         time.Time
}

// PathRow is one recording path programmed into OBS.
type PathRow struct {
	ID        int64
	MatchID   string
	Session   string
	Directory string
	Filename  string
	FullPath  string
	CreatedAt time.Time
}

// Store wraps the database. Writes are serialized by an internal mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version reports the applied schema version.
func (s *Store) Version() (int, error) {
	v, dirty, err := SchemaVersion(s.db)
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- obs_connections ---

// Connections returns the registry in insertion order.
func (s *Store) Connections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, position, host, port, password, enabled, timeout_seconds,
		       auto_reconnect, reconnect_delay_seconds, max_reconnect_attempts, updated_at_ns
		FROM obs_connections ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("query obs_connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var enabled, auto int
		var updated int64
		if err := rows.Scan(&c.Name, &c.Position, &c.Host, &c.Port, &c.Password, &enabled,
			&c.TimeoutSeconds, &auto, &c.ReconnectDelaySeconds, &c.MaxReconnectAttempts, &updated); err != nil {
			return nil, fmt.Errorf("scan obs_connections: %w", err)
		}
		c.Enabled, c.AutoReconnect = enabled != 0, auto != 0
		c.UpdatedAt = time.Unix(0, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertConnection inserts or updates a connection by name. New rows are
// appended after the existing ones; updates keep their position.
func (s *Store) UpsertConnection(ctx context.Context, c Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO obs_connections (name, position, host, port, password, enabled, timeout_seconds,
		                             auto_reconnect, reconnect_delay_seconds, max_reconnect_attempts, updated_at_ns)
		VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM obs_connections), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host                    = excluded.host,
			port                    = excluded.port,
			password                = excluded.password,
			enabled                 = excluded.enabled,
			timeout_seconds         = excluded.timeout_seconds,
			auto_reconnect          = excluded.auto_reconnect,
			reconnect_delay_seconds = excluded.reconnect_delay_seconds,
			max_reconnect_attempts  = excluded.max_reconnect_attempts,
			updated_at_ns           = excluded.updated_at_ns
	`, c.Name, c.Host, c.Port, c.Password, boolInt(c.Enabled), c.TimeoutSeconds,
		boolInt(c.AutoReconnect), c.ReconnectDelaySeconds, c.MaxReconnectAttempts, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert connection %s: %w", c.Name, err)
	}
	return nil
}

// DeleteConnection removes a connection. Missing names are not an error.
func (s *Store) DeleteConnection(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM obs_connections WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete connection %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- tournament_settings ---

// Tournament returns the settings row, if any.
func (s *Store) Tournament(ctx context.Context) (Tournament, bool, error) {
	var t Tournament
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, day, videos_root, updated_at_ns FROM tournament_settings WHERE id = 1`,
	).Scan(&t.Name, &t.Day, &t.VideosRoot, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Tournament{}, false, nil
	}
	if err != nil {
		return Tournament{}, false, fmt.Errorf("scan tournament_settings: %w", err)
	}
	t.UpdatedAt = time.Unix(0, updated)
	return t, true, nil
}

// SaveTournament replaces the settings row.
func (s *Store) SaveTournament(ctx context.Context, t Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tournament_settings (id, name, day, videos_root, updated_at_ns)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name          = excluded.name,
			day           = excluded.day,
			videos_root   = excluded.videos_root,
			updated_at_ns = excluded.updated_at_ns
	`, t.Name, t.Day, t.VideosRoot, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save tournament_settings: %w", err)
	}
	return nil
}

// --- pss_events ---

// AppendEvent appends one event row and returns its id.
func (s *Store) AppendEvent(ctx context.Context, e EventRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pss_events (seq, received_at_ns, source, stream, kind, line, match_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, int64(e.Seq), e.ReceivedAt.UnixNano(), e.Source, e.Stream, e.Kind, e.Line, e.MatchID)
	if err != nil {
		return 0, fmt.Errorf("append pss_event seq=%d: %w", e.Seq, err)
	}
	return res.LastInsertId()
}

// RecentEventRows returns up to limit latest rows, oldest first.
func (s *Store) RecentEventRows(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, received_at_ns, source, stream, kind, line, match_id FROM (
			SELECT * FROM pss_events ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pss_events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var seq, at int64
		if err := rows.Scan(&e.ID, &seq, &at, &e.Source, &e.Stream, &e.Kind, &e.Line, &e.MatchID); err != nil {
			return nil, fmt.Errorf("scan pss_events: %w", err)
		}
		e.Seq = uint64(seq)
		e.ReceivedAt = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsForMatch returns every row recorded while matchID was current.
func (s *Store) EventsForMatch(ctx context.Context, matchID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, received_at_ns, source, stream, kind, line, match_id
		FROM pss_events WHERE match_id = ? ORDER BY id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query pss_events for %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var seq, at int64
		if err := rows.Scan(&e.ID, &seq, &at, &e.Source, &e.Stream, &e.Kind, &e.Line, &e.MatchID); err != nil {
			return nil, fmt.Errorf("scan pss_events: %w", err)
		}
		e.Seq = uint64(seq)
		e.ReceivedAt = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- obs_sessions ---

// AppendSessionTransition appends one status change.
func (s *Store) AppendSessionTransition(ctx context.Context, r SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO obs_sessions (connection, from_state, to_state, message, at_ns)
		VALUES (?, ?, ?, ?, ?)
	`, r.Connection, r.FromState, r.ToState, r.Message, r.At.UnixNano())
	if err != nil {
		return fmt.Errorf("append obs_session %s: %w", r.Connection, err)
	}
	return nil
}

// SessionTransitions returns up to limit latest transitions of a
// connection, oldest first.
func (s *Store) SessionTransitions(ctx context.Context, connection string, limit int) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection, from_state, to_state, message, at_ns FROM (
			SELECT * FROM obs_sessions WHERE connection = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, connection, limit)
	if err != nil {
		return nil, fmt.Errorf("query obs_sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var at int64
		if err := rows.Scan(&r.ID, &r.Connection, &r.FromState, &r.ToState, &r.Message, &at); err != nil {
			return nil, fmt.Errorf("scan obs_sessions: %w", err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- generated_paths ---

// RecordGeneratedPath appends a programmed path.
func (s *Store) RecordGeneratedPath(ctx context.Context, p PathRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_paths (match_id, session, directory, filename, full_path, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.MatchID, p.Session, p.Directory, p.Filename, p.FullPath, created.UnixNano())
	if err != nil {
		return fmt.Errorf("record generated path for %s: %w", p.MatchID, err)
	}
	return nil
}

// GeneratedPathFor returns the latest path programmed for matchID.
func (s *Store) GeneratedPathFor(ctx context.Context, matchID string) (PathRow, bool, error) {
	var p PathRow
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, match_id, session, directory, filename, full_path, created_at_ns
		FROM generated_paths WHERE match_id = ? ORDER BY id DESC LIMIT 1`, matchID,
	).Scan(&p.ID, &p.MatchID, &p.Session, &p.Directory, &p.Filename, &p.FullPath, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return PathRow{}, false, nil
	}
	if err != nil {
		return PathRow{}, false, fmt.Errorf("scan generated_paths: %w", err)
	}
	p.CreatedAt = time.Unix(0, created)
	return p, true, nil
}
