package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enzyme/linkpreview/internal/cache"
)

const maxTextSize = 64 << 10

type CreatePreviewRequest struct {
	Text string `json:"text"`
}

// CreatePreviewResponse carries a null preview_id when the text yields no
// preview.
type CreatePreviewResponse struct {
	PreviewID *string `json:"preview_id"`
}

type PreviewResponse struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	ImageProxyURL string     `json:"image_proxy_url,omitempty"`
	SiteName      string     `json:"site_name,omitempty"`
	Source        string     `json:"source"`
	IsBroken      bool       `json:"is_broken"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreatePreview resolves the first link in the posted text to a preview id.
// A missing preview is not an error for the caller.
func (h *Handler) CreatePreview(w http.ResponseWriter, r *http.Request) {
	var req CreatePreviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidJSON, "Invalid request body")
		return
	}

	var resp CreatePreviewResponse
	if id, ok := h.previews.PreviewIDForText(r.Context(), req.Text); ok {
		resp.PreviewID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	rec, err := h.previews.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Preview not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.previewResponse(rec))
}

func (h *Handler) previewResponse(rec *cache.Record) PreviewResponse {
	resp := PreviewResponse{
		ID:            rec.ID,
		URL:           rec.NormalizedURL,
		Title:         rec.Title,
		Description:   rec.Description,
		ImageURL:      rec.ImageURL,
		ImageProxyURL: h.images.ProxyPath(h.publicURL, rec.ImageURL),
		SiteName:      rec.SiteName,
		Source:        string(rec.Source),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Health != nil {
		resp.IsBroken = rec.Health.IsBroken
		resp.LastCheckedAt = rec.Health.LastCheckedAt
	}
	return resp
}
