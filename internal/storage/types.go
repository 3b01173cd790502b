package storage

import (
	"context"
	"errors"
	"time"

	"schedgate/internal/dispatch"
	"schedgate/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound is returned by lookups of missing rows.
var ErrNotFound = schedule.ErrNotFound

// Config configures storage.
type Config struct {
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the persistence API used by the service.
type Store interface {
	schedule.Store
	dispatch.Profiles
	dispatch.Tools
	dispatch.Tasks

	PutProfile(ctx context.Context, p dispatch.Profile) error
	PutTool(ctx context.Context, t dispatch.Tool) error
	GetTask(ctx context.Context, id string) (dispatch.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, at time.Time) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// ClaimDedup stores key unless a live entry exists. It reports whether
	// the caller won the claim.
	ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseDedup(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// AuditEntry records a management call.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}
