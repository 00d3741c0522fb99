package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

var errNotImage = errors.New("upstream did not return an image")

// ProxyImage serves a preview image from this origin. The token must carry
// this service's signature, and the URL is checked against the SSRF guard
// before any request leaves the process.
func (h *Handler) ProxyImage(w http.ResponseWriter, r *http.Request) {
	imageURL, err := h.images.Decode(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidToken, "Invalid image token")
		return
	}
	if err := h.guard.Check(r.Context(), imageURL); err != nil {
		slog.Warn("refused to proxy image", "component", "server", "url", imageURL, "error", err)
		writeError(w, http.StatusBadRequest, ErrCodeInvalidToken, "Image URL is not allowed")
		return
	}

	body, contentType, err := h.fetchImage(r, imageURL)
	if err != nil {
		slog.Debug("image proxy fetch failed", "component", "server", "url", imageURL, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "Could not fetch image")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Cache-Control", "public, max-age=86400")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) fetchImage(r *http.Request, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := h.imageClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, "", fmt.Errorf("%w: %q", errNotImage, resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength > h.maxImageSize {
		return nil, "", fmt.Errorf("image of %d bytes exceeds limit", resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxImageSize+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(body)) > h.maxImageSize {
		return nil, "", fmt.Errorf("image exceeds %d bytes", h.maxImageSize)
	}
	return body, mediaType, nil
}
