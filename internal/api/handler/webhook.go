package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"schedgate/internal/api/request"
	"schedgate/internal/api/response"
	"schedgate/internal/schedule"
	logx "schedgate/pkg/logx"
)

const (
	SignatureHeader   = "X-Schedgate-Signature"
	IdempotencyHeader = "Idempotency-Key"

	defaultIdempotencyTTL = 10 * time.Minute
	maxWebhookBody        = 1 << 20
)

// Claimer stores an idempotency key unless a live one exists. A released key
// can be claimed again.
type Claimer interface {
	ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseDedup(ctx context.Context, key string) error
}

type WebhookConfig struct {
	Secret         string
	IdempotencyTTL time.Duration
}

// Webhook accepts external trigger calls.
type Webhook struct {
	svc    ScheduleService
	claims Claimer
	cfg    WebhookConfig
	log    logx.Logger
	now    func() time.Time
}

func NewWebhook(svc ScheduleService, claims Claimer, cfg WebhookConfig, log logx.Logger) *Webhook {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &Webhook{svc: svc, claims: claims, cfg: cfg, log: log, now: time.Now}
}

type TriggerResponse struct {
	ScheduleID string `json:"scheduleId"`
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Trigger verifies the signature, drops replays of an Idempotency-Key and
// queues an asynchronous run. It answers 202 in both accepted cases. A key is
// only kept when the run was queued, so a rejected call can be retried.
func (h *Webhook) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		if !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			h.log.Warn("webhook signature rejected", logx.String("schedule", id))
			response.WriteError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var req request.Trigger
	if len(bytes.TrimSpace(body)) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = schedule.ReasonWebhook
	}

	// The schedule must exist before a key is burned on it.
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	var claimed string
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" && h.claims != nil {
		claimKey := "webhook:" + id + ":" + key
		fresh, err := h.claims.ClaimDedup(r.Context(), claimKey, h.now().Add(h.cfg.IdempotencyTTL))
		if err != nil {
			response.WriteServiceError(w, err)
			return
		}
		if !fresh {
			h.log.Debug("webhook replay ignored", logx.String("schedule", id), logx.String("key", key))
			response.WriteJSON(w, http.StatusAccepted, TriggerResponse{ScheduleID: id, Duplicate: true})
			return
		}
		claimed = claimKey
	}

	if err := h.svc.Trigger(r.Context(), id, reason); err != nil {
		if claimed != "" {
			if rerr := h.claims.ReleaseDedup(context.WithoutCancel(r.Context()), claimed); rerr != nil {
				h.log.Warn("webhook key release failed", logx.String("schedule", id), logx.Err(rerr))
			}
		}
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, TriggerResponse{ScheduleID: id, Accepted: true})
}

// Sign returns the header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, header string) bool {
	got := strings.TrimSpace(header)
	if !strings.HasPrefix(got, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(secret, body)))
}
