package api

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"pastebin/pkg/domain"
	"pastebin/pkg/expiry"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// View serves the browser-facing pages. Content always goes through
// html/template, so pastes render as text.
type View struct {
	paste     *svc.Paste
	policy    *expiry.Policy
	baseURL   string
	templates *template.Template
}

type indexPageData struct {
	Choices  []expiry.Choice
	Expiry   string
	Content  string
	Error    string
	MaxBytes int
}
type viewPageData struct {
	Paste     *domain.Paste
	ExpiresIn string
	Canonical string
}
type errorPageData struct {
	Message string
}

func NewView(p *svc.Paste, policy *expiry.Policy, baseURL string) (*View, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	return &View{paste: p, policy: policy, baseURL: baseURL, templates: tmpl}, nil
}
func (v *View) Index(w http.ResponseWriter, r *http.Request) {
	v.render(w, r, http.StatusOK, "index", "New paste", v.indexData("", v.policy.DefaultKey(), ""))
}

// Create handles the HTML form and redirects to the new paste.
func (v *View) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize(int64(v.paste.MaxSize())))
	if err := r.ParseForm(); err != nil {
		v.render(w, r, http.StatusBadRequest, "index", "New paste",
			v.indexData("", v.policy.DefaultKey(), "Unable to read the form"))
		return
	}
	content := r.PostFormValue("content")
	key := v.policy.Normalize(r.PostFormValue("expiry"))
	paste, err := v.paste.Create(r.Context(), content, key)
	if err != nil {
		if domain.IsValidation(err) {
			v.render(w, r, http.StatusBadRequest, "index", "New paste", v.indexData(content, key, domain.ToResp(err).Error.Msg))
			return
		}
		v.serverError(w, r, err)
		return
	}
	http.Redirect(w, r, "/v/"+paste.ID, http.StatusSeeOther)
}
func (v *View) Paste(w http.ResponseWriter, r *http.Request) {
	paste, ok := v.fetch(w, r)
	if !ok {
		return
	}
	v.render(w, r, http.StatusOK, "view", "Paste "+paste.ID, viewPageData{
		Paste:     paste,
		ExpiresIn: remaining(paste.ExpiresAt, v.paste.Now()),
		Canonical: v.canonicalURL(r, paste.ID),
	})
}
func (v *View) Raw(w http.ResponseWriter, r *http.Request) {
	paste, ok := v.fetch(w, r)
	if !ok {
		return
	}
	etag := etagFor(paste.Content)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, paste.Content)
}
func (v *View) QR(w http.ResponseWriter, r *http.Request) {
	paste, ok := v.fetch(w, r)
	if !ok {
		return
	}
	png, err := qrcode.Encode(v.canonicalURL(r, paste.ID), qrcode.Medium, 256)
	if err != nil {
		v.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
func (v *View) NotFound(w http.ResponseWriter, r *http.Request) {
	v.render(w, r, http.StatusNotFound, "error", "Not found", errorPageData{Message: "Paste not found or expired"})
}
func (v *View) fetch(w http.ResponseWriter, r *http.Request) (*domain.Paste, bool) {
	paste, err := v.paste.Read(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		return paste, true
	}
	if errors.Is(err, domain.ErrPasteNotFound) {
		v.NotFound(w, r)
		return nil, false
	}
	v.serverError(w, r, err)
	return nil, false
}
func (v *View) serverError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().
		Err(err).
		Str("request_id", util.GetRequestID(r.Context())).
		Msg("page failed")
	status := domain.Status(err)
	msg := "Internal server error"
	if status == http.StatusServiceUnavailable {
		msg = "Temporarily unavailable, try again shortly"
	}
	v.render(w, r, status, "error", "Error", errorPageData{Message: msg})
}

// render executes name-body, then wraps it in the layout.
func (v *View) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	body := &bytes.Buffer{}
	if err := v.templates.ExecuteTemplate(body, name+"-body", data); err != nil {
		v.templateError(w, r, name, err)
		return
	}
	page := &bytes.Buffer{}
	err := v.templates.ExecuteTemplate(page, "layout", struct {
		Title string
		Body  template.HTML
	}{
		Title: title + " · Pastebin",
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		v.templateError(w, r, "layout", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	page.WriteTo(w)
}
func (v *View) templateError(w http.ResponseWriter, r *http.Request, name string, err error) {
	hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("render template")
	http.Error(w, "Template error", http.StatusInternalServerError)
}
func (v *View) indexData(content, key, errMsg string) indexPageData {
	return indexPageData{
		Choices:  v.policy.Choices(),
		Expiry:   key,
		Content:  content,
		Error:    errMsg,
		MaxBytes: v.paste.MaxSize(),
	}
}
func (v *View) canonicalURL(r *http.Request, id string) string {
	if v.baseURL != "" {
		return pasteURL(v.baseURL, id)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return pasteURL(scheme+"://"+r.Host, id)
}
func remaining(expiresAt, now time.Time) string {
	d := expiresAt.Sub(now)
	switch {
	case d <= 0:
		return "expired"
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	case d < 2*365*24*time.Hour:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
	return fmt.Sprintf("%d years", int(d.Hours()/(24*365)))
}
func etagFor(content string) string {
	sum := sha256.Sum256([]byte(content))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}
