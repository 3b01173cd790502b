// Package executor holds the task executors the dispatch router hands work
// to.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"schedgate/internal/dispatch"
	logx "schedgate/pkg/logx"
)

// Config selects and configures the executor.
type Config struct {
	// Endpoint is the URL of the agent runtime. Empty selects the local
	// executor.
	Endpoint string
	Headers  map[string]string
}

// TaskStatusUpdater marks tasks as accepted by the local executor.
type TaskStatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, id, status string, at time.Time) error
}

// New returns the HTTP executor when an endpoint is configured, the local
// one otherwise.
func New(cfg Config, tasks TaskStatusUpdater, log logx.Logger) (dispatch.Executor, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return NewLocal(tasks, log), nil
	}
	return NewHTTP(cfg.Endpoint, cfg.Headers, log)
}

type request struct {
	TaskID    string `json:"taskId"`
	ProfileID string `json:"profileId"`
	Payload   string `json:"payload"`
}

// HTTP posts each task to a remote agent runtime. The call deadline comes
// from the caller's context.
type HTTP struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	log      logx.Logger
}

func NewHTTP(endpoint string, headers map[string]string, log logx.Logger) (*HTTP, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("executor endpoint must be http(s): %q", endpoint)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{endpoint: endpoint, headers: headers, client: &http.Client{}, log: log}, nil
}

func (h *HTTP) Execute(ctx context.Context, taskID, profileID, payload string) error {
	body, err := json.Marshal(request{TaskID: taskID, ProfileID: profileID, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("executor call timed out: %w", ctx.Err())
		}
		return fmt.Errorf("executor call: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("executor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	h.log.Debug("executor accepted task", logx.String("task", taskID), logx.Duration("took", time.Since(start)))
	return nil
}

// Local accepts tasks in-process: it records the hand-off and marks the task
// ACCEPTED. Used when no agent runtime is configured.
type Local struct {
	tasks TaskStatusUpdater
	log   logx.Logger
	now   func() time.Time
}

func NewLocal(tasks TaskStatusUpdater, log logx.Logger) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{tasks: tasks, log: log, now: time.Now}
}

func (l *Local) Execute(ctx context.Context, taskID, profileID, payload string) error {
	l.log.Info("task accepted", logx.String("task", taskID), logx.String("profile", profileID), logx.Int("payload_bytes", len(payload)))
	if l.tasks == nil {
		return nil
	}
	if err := l.tasks.UpdateTaskStatus(ctx, taskID, dispatch.TaskAccepted, l.now()); err != nil {
		return fmt.Errorf("accept task %s: %w", taskID, err)
	}
	return nil
}
