package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"schedgate/internal/storage"
	logx "schedgate/pkg/logx"
)

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// ActorHeader names the caller in audit entries when set.
const ActorHeader = "X-Schedgate-Actor"

// AuditLogger writes mutating management calls to the store from a
// background goroutine. Entries are dropped when the buffer is full.
type AuditLogger struct {
	store AuditStore
	log   logx.Logger
	ch    chan storage.AuditEntry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAuditLogger(store AuditStore, log logx.Logger, buffer int) *AuditLogger {
	if buffer <= 0 {
		buffer = 1024
	}
	al := &AuditLogger{
		store: store,
		log:   log,
		ch:    make(chan storage.AuditEntry, buffer),
		done:  make(chan struct{}),
	}
	go al.drain()
	return al
}

func (al *AuditLogger) drain() {
	defer close(al.done)
	for e := range al.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := al.store.AppendAudit(ctx, e); err != nil {
			al.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
		}
		cancel()
	}
}

// Close flushes queued entries, bounded by ctx.
func (al *AuditLogger) Close(ctx context.Context) {
	al.mu.Lock()
	if !al.closed {
		al.closed = true
		close(al.ch)
	}
	al.mu.Unlock()
	select {
	case <-al.done:
	case <-ctx.Done():
	}
}

func (al *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := wrap(w)
		next.ServeHTTP(ww, r)

		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = r.RemoteAddr
		}
		e := storage.AuditEntry{
			At:     start,
			Actor:  actor,
			Action: r.Method + " " + routePattern(r),
			Target: chi.URLParam(r, "id"),
			OK:     ww.status < http.StatusBadRequest,
			TookMS: time.Since(start).Milliseconds(),
		}
		if !e.OK {
			e.Error = http.StatusText(ww.status)
		}
		al.enqueue(e)
	})
}

func (al *AuditLogger) enqueue(e storage.AuditEntry) {
	al.mu.RLock()
	defer al.mu.RUnlock()
	if al.closed {
		return
	}
	select {
	case al.ch <- e:
	default:
		al.log.Warn("audit buffer full; entry dropped", logx.String("action", e.Action))
	}
}
