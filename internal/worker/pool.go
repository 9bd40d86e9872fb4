// Package worker runs an in-process pool that drives the scheduler facade
// the same way an external worker would: dequeue, heartbeat while handling,
// then report succeed or fail.
package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flowline/internal/domain"
	"flowline/internal/scheduler"
)

// Handler executes one task payload and returns the task output.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Pool polls one concurrency group and fans claimed tasks out to handler
// goroutines. Handlers are keyed by the task name's kind prefix (the part
// before the first ':').
type Pool struct {
	sched          *scheduler.Scheduler
	handlers       map[string]Handler
	groupKey       string
	ownerKey       string
	sem            chan struct{}
	pollEvery      time.Duration
	heartbeatEvery time.Duration
	log            zerolog.Logger
}

func NewPool(sched *scheduler.Scheduler, handlers map[string]Handler, groupKey, ownerKey string, size int, pollEvery, heartbeatEvery time.Duration, log zerolog.Logger) *Pool {
	return &Pool{
		sched:          sched,
		handlers:       handlers,
		groupKey:       groupKey,
		ownerKey:       ownerKey,
		sem:            make(chan struct{}, size),
		pollEvery:      pollEvery,
		heartbeatEvery: heartbeatEvery,
		log:            log,
	}
}

// Run polls until the context is cancelled.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			free := cap(p.sem) - len(p.sem)
			if free == 0 {
				continue
			}
			tasks, err := p.sched.Dequeue(ctx, scheduler.DequeueRequest{
				GroupKey: p.groupKey,
				Limit:    free,
				OwnerKey: p.ownerKey,
			})
			if err != nil {
				p.log.Error().Err(err).Str("group_key", p.groupKey).Msg("dequeuing tasks")
				continue
			}
			for _, task := range tasks {
				p.sem <- struct{}{}
				go func(tk domain.Task) {
					defer func() { <-p.sem }()
					p.run(ctx, tk)
				}(task)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, task domain.Task) {
	h, ok := p.handlers[kind(task.Name)]
	if !ok {
		p.log.Error().Str("task_id", task.ID).Str("name", task.Name).Msg("no handler for task")
		if _, err := p.sched.Fail(ctx, task.ID); err != nil {
			p.log.Error().Err(err).Str("task_id", task.ID).Msg("failing task")
		}
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.StartedToCompletedTimeoutSecs)*time.Second)
	defer cancel()

	stopBeat := p.heartbeat(runCtx, task.ID)
	output, err := h.Handle(runCtx, task.Payload)
	stopBeat()

	if err != nil {
		p.log.Warn().Err(err).Str("task_id", task.ID).Str("name", task.Name).Msg("task failed")
		if _, err := p.sched.Fail(ctx, task.ID); err != nil {
			p.log.Error().Err(err).Str("task_id", task.ID).Msg("failing task")
		}
		return
	}
	if _, err := p.sched.Succeed(ctx, task.ID, output); err != nil {
		p.log.Error().Err(err).Str("task_id", task.ID).Msg("succeeding task")
	}
}

// heartbeat keeps the task alive while its handler runs. The returned func
// stops the beats; it is safe to call once.
func (p *Pool) heartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(p.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if _, err := p.sched.Heartbeat(ctx, taskID); err != nil {
					p.log.Warn().Err(err).Str("task_id", taskID).Msg("heartbeat rejected")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func kind(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}
