package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"pastebin/cfg"
	"pastebin/pkg/expiry"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv   *Server
	clock *testClock
	store db.Store
	cfg   *cfg.Cfg
}

func testConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		StoreBackend:   cfg.BackendSQLite,
		LimiterCache:   1000,
		RateLimit:      cfg.RateLimitCfg{CreatePerWindow: 10, ViewPerWindow: 100, Window: time.Minute},
		MaxPasteSize:   1024 * 1024,
		IDMaxAttempts:  3,
		DefaultExpiry:  expiry.DefaultKey,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://example.org"},
	}
}

func setup(t *testing.T, mutate ...func(*cfg.Cfg)) *testEnv {
	t.Helper()
	c := testConfig()
	for _, m := range mutate {
		m(c)
	}
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "pastes.db"), db.Pool{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policy, err := expiry.New(c.DefaultExpiry)
	require.NoError(t, err)
	l, err := lim.New(nil, c.LimiterCache, c.TrustedProxies)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := svc.NewPaste(store, policy, util.NewNanoID(), c)
	p.SetClock(clock.Now)

	s, err := NewServer(c, p, policy, l, store, nil)
	require.NoError(t, err)
	return &testEnv{srv: s, clock: clock, store: store, cfg: c}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.RemoteAddr == "" {
		req.RemoteAddr = "192.0.2.10:40000"
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createJSON(t *testing.T, content, key string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(CreateReq{Content: content, Expiry: key})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/paste", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errBody {
	t.Helper()
	var body errBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestCreateReadExpire(t *testing.T) {
	env := setup(t)

	rec := env.createJSON(t, "Hello, World!", expiry.Key1Hour)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created CreateResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.True(t, created.Success)
	require.Len(t, created.ID, 8)
	require.Equal(t, "/v/"+created.ID, created.URL)
	require.Equal(t, "/v/"+created.ID, rec.Header().Get("Location"))
	require.Equal(t, time.Hour, created.ExpiresAt.Sub(created.CreatedAt))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/paste/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var got PasteResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "Hello, World!", got.Content)

	env.clock.Advance(time.Hour)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/paste/"+created.ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "PASTE_NOT_FOUND", decodeErr(t, rec).Error.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v/"+created.ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Paste not found or expired")
}

func TestCreateUnknownExpiryUsesDefault(t *testing.T) {
	env := setup(t)
	rec := env.createJSON(t, "x", "fortnight")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created CreateResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.Equal(t, 24*time.Hour, created.ExpiresAt.Sub(created.CreatedAt))
}

func TestCreateRejectsBadInput(t *testing.T) {
	env := setup(t, func(c *cfg.Cfg) { c.RateLimit.CreatePerWindow = 100 })

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
		code   string
	}{
		{"not json", `content=hi`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
		{"malformed", `{"content":`, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty body", ``, "application/json", http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty content", `{"content":""}`, "application/json", http.StatusBadRequest, "CONTENT_REQUIRED"},
		{"whitespace", `{"content":" \n\t "}`, "application/json", http.StatusBadRequest, "CONTENT_REQUIRED"},
		{"nul byte", `{"content":"a\u0000b"}`, "application/json", http.StatusBadRequest, "INVALID_CONTENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			rec := env.do(t, req)
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.code, decodeErr(t, rec).Error.Code)
		})
	}
}

func TestCreateSizeLimit(t *testing.T) {
	env := setup(t, func(c *cfg.Cfg) { c.MaxPasteSize = 1024 })

	rec := env.createJSON(t, strings.Repeat("a", 1024), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.createJSON(t, strings.Repeat("a", 1025), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "PASTE_TOO_LARGE", decodeErr(t, rec).Error.Code)

	// Past the body cap the decoder never sees the whole payload.
	rec = env.createJSON(t, strings.Repeat("a", 8192), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "PASTE_TOO_LARGE", decodeErr(t, rec).Error.Code)

	stats, err := env.store.Stats(context.Background(), env.clock.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Total)
}

func TestCreateEscapedContentAtSizeLimit(t *testing.T) {
	env := setup(t)

	// Every byte travels as \u0001, six times its decoded size.
	content := strings.Repeat("\x01", 1<<20)
	rec := env.createJSON(t, content, expiry.Key1Hour)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v/"+created.ID+"/raw", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, content, rec.Body.String())

	// Emoji are four UTF-8 bytes and twelve as escaped surrogate pairs.
	body := `{"content":"` + strings.Repeat(`\ud83d\ude00`, (1<<20)/4) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.createJSON(t, content+"\x01", expiry.Key1Hour)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "PASTE_TOO_LARGE", decodeErr(t, rec).Error.Code)
}

func TestMalformedIDIsNotFound(t *testing.T) {
	env := setup(t)
	for _, id := range []string{"short", "waytoolongid", "bad!char"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/paste/"+url.PathEscape(id), nil))
		require.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestCreateRateLimited(t *testing.T) {
	env := setup(t)
	for i := 0; i < 10; i++ {
		rec := env.createJSON(t, "paste", "")
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i)
	}
	rec := env.createJSON(t, "paste", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", decodeErr(t, rec).Error.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Another client has its own budget.
	body := `{"content":"other"}`
	req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:5000"
	require.Equal(t, http.StatusCreated, env.do(t, req).Code)

	// Views draw on a separate budget.
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/paste/abcdefgh", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFormCreateAndView(t *testing.T) {
	env := setup(t)

	form := url.Values{"content": {"<script>alert(1)</script>"}, "expiry": {expiry.Key10Min}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(t, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/v/"), loc)
	id := strings.TrimPrefix(loc, "/v/")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, loc, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	page := rec.Body.String()
	require.NotContains(t, page, "<script>alert(1)</script>")
	require.Contains(t, page, "&lt;script&gt;alert(1)&lt;/script&gt;")
	require.Contains(t, page, "10 minutes")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, loc+"/raw", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "<script>alert(1)</script>", rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req = httptest.NewRequest(http.MethodGet, loc+"/raw", nil)
	req.Header.Set("If-None-Match", etag)
	require.Equal(t, http.StatusNotModified, env.do(t, req).Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v/"+id+"/qr", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")))
}

func TestFormValidationRerenders(t *testing.T) {
	env := setup(t)
	form := url.Values{"content": {"   "}, "expiry": {expiry.Key1Week}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "content cannot be empty")
	require.Contains(t, rec.Body.String(), `value="1week" selected`)
}

func TestIndexAndExpiry(t *testing.T) {
	env := setup(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `value="1day" selected`)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/expiry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExpiryResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, expiry.DefaultKey, resp.Default)
	keys := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		keys = append(keys, c.Key)
	}
	require.Equal(t, []string{"10min", "1hour", "1day", "1week", "1month", "never"}, keys)
}

func TestUnknownRoute(t *testing.T) {
	env := setup(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/nope/nothing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	env := setup(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	require.True(t, ready.Ready)
	require.Equal(t, "up", ready.Database)
	require.Equal(t, "local", ready.Limiter)
	require.NotNil(t, ready.Pastes)
	require.Zero(t, ready.Pastes.Total)

	rec = env.createJSON(t, "short lived", expiry.Key10Min)
	require.Equal(t, http.StatusCreated, rec.Code)
	env.clock.Advance(10 * time.Minute)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	ready = ReadyResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	require.Equal(t, db.Stats{Total: 1, Live: 0, Expired: 1}, *ready.Pastes)

	require.NoError(t, env.store.Close())
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready = ReadyResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	require.False(t, ready.Ready)
	require.Equal(t, "down", ready.Database)
}

func TestStoreDownIsServiceUnavailable(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.store.Close())

	rec := env.createJSON(t, "hello", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "STORE_UNAVAILABLE", decodeErr(t, rec).Error.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/paste/abcdefgh", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAuth(t *testing.T) {
	env := setup(t, func(c *cfg.Cfg) {
		c.MetricsUser = "prom"
		c.MetricsPass = cfg.NewSecret("scrape")
	})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "wrong")
	require.Equal(t, http.StatusUnauthorized, env.do(t, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pastebin_")
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	env := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/expiry", nil)
	req.Header.Set("Origin", "https://example.org")
	rec := env.do(t, req)
	require.Equal(t, "https://example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	require.Empty(t, rec.Header().Get("Strict-Transport-Security"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodOptions, "/api/paste", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = env.do(t, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "expired"},
		{30 * time.Second, "less than a minute"},
		{10 * time.Minute, "10 minutes"},
		{time.Hour, "1 hours"},
		{7 * 24 * time.Hour, "7 days"},
		{100 * 365 * 24 * time.Hour, "100 years"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, remaining(now.Add(tt.d), now))
	}
}
