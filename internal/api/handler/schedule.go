// Package handler implements the management endpoints.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"schedgate/internal/api/request"
	"schedgate/internal/api/response"
	"schedgate/internal/schedule"
)

// ScheduleService is the management surface of schedule.Service.
type ScheduleService interface {
	Create(ctx context.Context, req schedule.UpsertRequest) (schedule.Schedule, error)
	Update(ctx context.Context, id string, req schedule.UpsertRequest) (schedule.Schedule, error)
	Enable(ctx context.Context, id string) (schedule.Schedule, error)
	Disable(ctx context.Context, id string) (schedule.Schedule, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	List(ctx context.Context, f schedule.Filter) ([]schedule.Schedule, error)
	RunNow(ctx context.Context, id string) (schedule.Result, error)
	Trigger(ctx context.Context, id, reason string) error
	ListRuns(ctx context.Context, id string, limit int) ([]schedule.Run, error)
	ListSnapshots(ctx context.Context, id, segment string) ([]schedule.Snapshot, error)
	Observability() schedule.Stats
}

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

type Schedule struct {
	svc ScheduleService
}

func NewSchedule(svc ScheduleService) *Schedule {
	return &Schedule{svc: svc}
}

func (h *Schedule) Create(w http.ResponseWriter, r *http.Request) {
	var req schedule.UpsertRequest
	if err := request.Decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	sch, err := h.svc.Create(r.Context(), req)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, sch)
}

func (h *Schedule) List(w http.ResponseWriter, r *http.Request) {
	enabled, err := request.OptionalBool(r, "enabled")
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	list, err := h.svc.List(r.Context(), schedule.Filter{
		TenantID:   q.Get("tenantId"),
		Enabled:    enabled,
		TargetType: q.Get("targetType"),
	})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, list)
}

func (h *Schedule) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sch, err := h.svc.Get(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sch)
}

func (h *Schedule) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req schedule.UpsertRequest
	if err := request.Decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	sch, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sch)
}

func (h *Schedule) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Schedule) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.svc.Enable)
}

func (h *Schedule) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.svc.Disable)
}

func (h *Schedule) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (schedule.Schedule, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sch, err := fn(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sch)
}

// Run executes the schedule now and answers with the run outcome.
func (h *Schedule) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RunNow(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

func (h *Schedule) Runs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, err := request.Limit(r, defaultRunsLimit, maxRunsLimit)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.svc.ListRuns(r.Context(), id, limit)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, runs)
}

// Snapshots lists one segment; ?segment= defaults to the current target.
func (h *Schedule) Snapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snaps, err := h.svc.ListSnapshots(r.Context(), id, r.URL.Query().Get("segment"))
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, snaps)
}

func (h *Schedule) Observability(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.svc.Observability())
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// writeDecodeError keeps typed validation errors on the service mapping.
func writeDecodeError(w http.ResponseWriter, err error) {
	if schedule.Classify(err) == schedule.CategoryValidation {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteError(w, http.StatusBadRequest, err.Error())
}
