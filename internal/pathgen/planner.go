package pathgen

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/restrike/restrike-vta/internal/apperr"
	"github.com/restrike/restrike-vta/internal/logger"
)

// ProfileSetter is the OBS operation the planner needs.
type ProfileSetter interface {
	SetProfileParameter(ctx context.Context, category, name, value string) error
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithMkdir overrides directory creation.
func WithMkdir(fn func(dir string) error) Option {
	return func(p *Planner) { p.mkdir = fn }
}

// Planner programs OBS with a fresh recording path once per match.
type Planner struct {
	log   logger.Logger
	now   func() time.Time
	mkdir func(dir string) error

	mu      sync.Mutex
	cfg     Config
	lastKey string
	last    GeneratedPath
}

// NewPlanner creates a planner.
func NewPlanner(cfg Config, opts ...Option) *Planner {
	p := &Planner{
		cfg:   cfg,
		log:   logger.Nop(),
		now:   time.Now,
		mkdir: func(dir string) error { return os.MkdirAll(dir, 0o755) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetConfig replaces the generator config for later plans.
func (p *Planner) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Config returns the generator config.
func (p *Planner) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Last returns the most recently applied path.
func (p *Planner) Last() (GeneratedPath, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastKey != ""
}

// Plan generates and applies the path for info.MatchID on the recording
// session identified by session. Repeated calls for the same session and
// match id return the earlier path with applied=false.
func (p *Planner) Plan(ctx context.Context, session string, info MatchInfo, client ProfileSetter) (path GeneratedPath, applied bool, err error) {
	key := session + "\x00" + info.MatchID
	p.mu.Lock()
	if key == p.lastKey {
		last := p.last
		p.mu.Unlock()
		return last, false, nil
	}
	cfg := p.cfg
	p.mu.Unlock()

	path = Generate(cfg, info, p.now())
	if err := p.Apply(ctx, client, path); err != nil {
		return path, false, err
	}

	p.mu.Lock()
	p.lastKey = key
	p.last = path
	p.mu.Unlock()
	return path, true, nil
}

// Apply creates the directory and sets the OBS recording path and filename
// format. The advanced-output filename call may fail without failing Apply.
func (p *Planner) Apply(ctx context.Context, client ProfileSetter, path GeneratedPath) error {
	const op = "pathgen.Apply"
	if err := p.mkdir(path.Directory); err != nil {
		return apperr.Wrap(apperr.KindIo, op, fmt.Errorf("create %s: %w", path.Directory, err))
	}
	if err := client.SetProfileParameter(ctx, "Output", "RecFilePath", path.Directory); err != nil {
		return fmt.Errorf("%s: set Output.RecFilePath: %w", op, err)
	}
	if err := client.SetProfileParameter(ctx, "Output", "FilenameFormatting", path.Stem()); err != nil {
		return fmt.Errorf("%s: set Output.FilenameFormatting: %w", op, err)
	}
	if err := client.SetProfileParameter(ctx, "AdvOut", "FilenameFormatting", path.Stem()); err != nil {
		p.log.Warn(ctx, "advanced output filename not set",
			logger.String("path", path.FullPath),
			logger.Error(err))
	}
	p.log.Info(ctx, "recording path applied",
		logger.String("match_id", path.MatchID),
		logger.String("path", path.FullPath))
	return nil
}
