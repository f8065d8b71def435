package api

import (
	"context"
	"net/http"
	"pastebin/cfg"
	"pastebin/pkg/expiry"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      pinger
	paste      *svc.Paste
	rdb        pinger
	httpServer *http.Server
}

// NewServer wires the routes. rdb may be nil when rate limits are local.
func NewServer(c *cfg.Cfg, p *svc.Paste, policy *expiry.Policy, l *lim.Limiter, store db.Store, rdb *db.Redis) (*Server, error) {
	view, err := NewView(p, policy, c.BaseURL)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: c, store: store, paste: p}
	if rdb != nil {
		s.rdb = rdb
	}
	createRule := lim.Rule{Name: "create", Limit: c.RateLimit.CreatePerWindow, Window: c.RateLimit.Window}
	viewRule := lim.Rule{Name: "view", Limit: c.RateLimit.ViewPerWindow, Window: c.RateLimit.Window}

	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		if len(c.TrustedProxies) > 0 {
			r.Use(mw.RealIP)
		}
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("client_ip", util.RedactIP(req.RemoteAddr)).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Observe)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)

		r.Route("/api", func(r chi.Router) {
			r.Use(mw.CORS)
			r.Use(mw.JSONContentType)
			hdl := &Hdl{paste: p, policy: policy, cfg: c}
			r.With(mw.RateLimit(createRule)).Post("/paste", hdl.CreatePaste)
			r.With(mw.RateLimit(viewRule)).Get("/paste/{id}", hdl.GetPaste)
			r.Get("/expiry", hdl.GetExpiry)
		})

		r.Get("/", view.Index)
		r.With(mw.RateLimit(createRule)).Post("/", view.Create)
		r.Route("/v/{id}", func(r chi.Router) {
			r.Use(mw.RateLimit(viewRule))
			r.Get("/", view.Paste)
			r.Get("/raw", view.Raw)
			r.Get("/qr", view.QR)
		})
		r.NotFound(view.NotFound)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s, nil
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
