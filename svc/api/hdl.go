package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/pkg/expiry"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// bodyOverhead covers the JSON envelope and the other form fields.
const bodyOverhead = 4096

// maxBodySize bounds a create request. The worst wire form of one content
// byte is six: a control character escaped as \u0001 in JSON. Astral code
// points sent as surrogate pairs take 12 bytes for 4. The real size check
// runs on the decoded content.
func maxBodySize(maxPaste int64) int64 {
	return 6*maxPaste + bodyOverhead
}

type Hdl struct {
	paste  *svc.Paste
	policy *expiry.Policy
	cfg    *cfg.Cfg
}
type CreateReq struct {
	Content string `json:"content"`
	Expiry  string `json:"expiry,omitempty"`
}
type CreateResp struct {
	Success   bool      `json:"success"`
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
type PasteResp struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
type ExpiryResp struct {
	Default string          `json:"default"`
	Choices []expiry.Choice `json:"choices"`
}
type errBody struct {
	Error     domain.ErrDetail `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(errBody{
			Error:     domain.ErrDetail{Code: "UNSUPPORTED_MEDIA_TYPE", Msg: "expected Content-Type: application/json"},
			RequestID: requestID,
		})
		return
	}
	limit := maxBodySize(h.cfg.MaxPasteSize)
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, r, domain.ErrPasteTooLarge)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeErr(w, r, domain.ErrPasteTooLarge)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, r, domain.ErrInvalidRequest)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, r, domain.ErrInvalidRequest)
		}
		return
	}
	paste, err := h.paste.Create(r.Context(), req.Content, req.Expiry)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/v/"+paste.ID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		Success:   true,
		ID:        paste.ID,
		URL:       pasteURL(h.cfg.BaseURL, paste.ID),
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
	})
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Read(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	hlog.FromRequest(r).Debug().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(PasteResp{
		ID:        paste.ID,
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
	})
}
func (h *Hdl) GetExpiry(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(ExpiryResp{
		Default: h.policy.DefaultKey(),
		Choices: h.policy.Choices(),
	})
}
func pasteURL(base, id string) string {
	return base + "/v/" + id
}

// writeErr maps err onto its status and a coded JSON body. Client errors are
// logged at warn, server faults at error with the full cause.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	log := hlog.FromRequest(r)
	switch {
	case statusCode >= 500:
		log.Error().
			Err(err).
			Str("request_id", requestID).
			Str("code", resp.Error.Code).
			Msg("request failed")
	case statusCode != http.StatusNotFound:
		log.Warn().
			Err(err).
			Str("request_id", requestID).
			Str("code", resp.Error.Code).
			Msg("request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errBody{Error: resp.Error, RequestID: requestID})
}
