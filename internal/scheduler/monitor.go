package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"flowline/internal/domain"
	"flowline/internal/store"
)

// Monitor periodically expires tasks that exceeded a timeout budget: never
// claimed in time, claimed but never completed, or claimed but heartbeat
// silent. It is the only component that unilaterally takes a task away from
// its owner, and it only ever moves tasks to EXPIRED; nothing is requeued.
type Monitor struct {
	store    *store.Store
	interval time.Duration
	notify   func([]domain.Task)
	log      zerolog.Logger
	stopCh   chan struct{}
	done     chan struct{}
}

func newMonitor(st *store.Store, interval time.Duration, notify func([]domain.Task), log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Monitor{
		store:    st,
		interval: interval,
		notify:   notify,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Monitor) start() {
	go m.loop()
}

func (m *Monitor) stop() {
	close(m.stopCh)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Monitor) sweep(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	expired, err := m.store.ExpireTimedOut(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("expiring timed out tasks")
		return
	}
	if len(expired) > 0 {
		m.log.Info().Int("expired", len(expired)).Msg("expired timed out tasks")
		m.notify(expired)
	}
}
