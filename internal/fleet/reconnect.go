package fleet

import (
	"time"

	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/obs"
)

// onStatus is installed on every client. It records the transition and
// drives the per-connection reconnect timer.
func (f *Fleet) onStatus(name string, from, to obs.Status) {
	f.transitions.Push(Transition{Name: name, From: from, To: to, At: time.Now()})

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[name]
	if !ok || f.closed {
		return
	}

	switch to.State {
	case obs.StateAuthenticated:
		e.attempts = 0
		e.reconnecting = false
		return
	case obs.StateDisconnected, obs.StateError:
	default:
		return
	}
	if e.manual || !e.cfg.AutoReconnect {
		return
	}

	lost := from.State == obs.StateAuthenticated
	retry := e.reconnecting && to.State == obs.StateError
	if !lost && !retry {
		return
	}
	if e.attempts >= e.cfg.MaxReconnectAttempts {
		e.reconnecting = false
		f.log.Warn(f.ctx, "giving up reconnecting",
			logger.String("name", name),
			logger.Int("attempts", e.attempts))
		return
	}
	f.scheduleLocked(e)
}

func (f *Fleet) scheduleLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	f.gen++
	gen := f.gen
	e.gen = gen
	e.reconnecting = true
	name, delay := e.cfg.Name, e.cfg.ReconnectDelay
	f.log.Info(f.ctx, "reconnect scheduled",
		logger.String("name", name),
		logger.Duration("delay", delay),
		logger.Int("attempt", e.attempts+1))
	e.timer = time.AfterFunc(delay, func() { f.reconnect(name, gen) })
}

func (f *Fleet) reconnect(name string, gen uint64) {
	f.mu.Lock()
	e, ok := f.entries[name]
	if !ok || f.closed || e.manual || e.gen != gen {
		f.mu.Unlock()
		return
	}
	e.timer = nil
	e.attempts++
	client := e.client
	f.mu.Unlock()

	if err := client.Connect(f.ctx); err != nil {
		f.log.Warn(f.ctx, "reconnect failed", logger.String("name", name), logger.Error(err))
	}
}
