package dispatch

import (
	"context"
	"time"
)

// FallbackProfileID runs TOOL and SKILL targets when no profile exists.
const FallbackProfileID = "schedule-system-profile"

// Task statuses.
const (
	TaskPending  = "PENDING"
	TaskAccepted = "ACCEPTED"
	TaskFailed   = "FAILED"
)

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Tool struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Task is the unit of work handed to the executor.
type Task struct {
	ID           string    `json:"id"`
	ProfileID    string    `json:"profileId"`
	ParentTaskID string    `json:"parentTaskId,omitempty"`
	Status       string    `json:"status"`
	InputPayload string    `json:"inputPayload"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Profiles interface {
	ProfileExists(ctx context.Context, id string) (bool, error)
	// ListProfiles returns profiles oldest first.
	ListProfiles(ctx context.Context) ([]Profile, error)
}

type Tools interface {
	FindToolByID(ctx context.Context, id string) (Tool, bool, error)
	FindToolByName(ctx context.Context, name string) (Tool, bool, error)
}

// Skills reads skill documents. A missing skill is a CONFIGURATION error.
type Skills interface {
	Read(ctx context.Context, name string) (string, error)
}

type Tasks interface {
	CreateTask(ctx context.Context, t *Task) error
}

// Executor runs a task synchronously up to its own hand-off boundary.
type Executor interface {
	Execute(ctx context.Context, taskID, profileID, payload string) error
}

type Config struct {
	// ExecutorTimeout bounds each executor call. Default 2m.
	ExecutorTimeout time.Duration
}
