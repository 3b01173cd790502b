package handler

import (
	"context"
	"net/http"
	"time"

	"schedgate/internal/api/response"
	"schedgate/internal/skills"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type SkillLister interface {
	List(ctx context.Context) ([]skills.Skill, error)
}

type System struct {
	db     Pinger
	skills SkillLister
}

func NewSystem(db Pinger, sk SkillLister) *System {
	return &System{db: db, skills: sk}
}

// Healthz reports 503 when the store does not answer within two seconds.
func (h *System) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			response.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "storage": err.Error()})
			return
		}
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *System) Skills(w http.ResponseWriter, r *http.Request) {
	if h.skills == nil {
		response.WriteJSON(w, http.StatusOK, []skills.Skill{})
		return
	}
	list, err := h.skills.List(r.Context())
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, list)
}
