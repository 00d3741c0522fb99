package handler

import (
	"net/http"
	"time"
)

type QuotaResponse struct {
	Year             int    `json:"year"`
	Month            int    `json:"month"`
	Count            int    `json:"count"`
	Limit            int    `json:"limit"`
	Remaining        int    `json:"remaining"`
	LimitReachedAt   string `json:"limit_reached_at,omitempty"`
	NotificationSent bool   `json:"notification_sent"`
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	u, err := h.quota.Current(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}
	resp := QuotaResponse{
		Year:             u.Year,
		Month:            int(u.Month),
		Count:            u.Count,
		Limit:            u.Limit,
		Remaining:        u.Remaining(),
		NotificationSent: u.NotificationSent,
	}
	if u.LimitReachedAt != nil {
		resp.LimitReachedAt = u.LimitReachedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
