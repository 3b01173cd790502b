package scheduler

import (
	"errors"
	"time"

	"schedgate/internal/task/engine"
	logx "schedgate/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (r *Registry) reportTriggerError(id string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		r.log.Debug("schedule trigger skipped", logx.String("schedule", id), logx.Err(err))
		return
	}

	now := time.Now()
	r.enqMu.Lock()
	if r.lastEnqWarn == nil {
		r.lastEnqWarn = make(map[string]time.Time)
	}
	last := r.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		r.enqMu.Unlock()
		return
	}
	r.lastEnqWarn[id] = now
	r.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	r.log.Warn("schedule trigger failed", logx.String("schedule", id), logx.Err(err))
}
