package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"hotfix-license-server/internal/metrics"
	"hotfix-license-server/internal/protocol"
)

// Options configures the API. Engine is required.
type Options struct {
	Engine  *protocol.Engine
	Logger  *slog.Logger
	Metrics *metrics.Collector

	AllowedOrigins []string
	// TrustProxy installs RealIP so the rate limiter and logs see the address
	// reported by the proxy. Without it the TCP peer address is used.
	TrustProxy bool
	// MaxBodyBytes caps request bodies. Zero means 64 KiB.
	MaxBodyBytes int64
	// RPS and Burst configure the per-client rate limiter. RPS <= 0 disables it.
	RPS   float64
	Burst int
}

type API struct {
	engine  *protocol.Engine
	log     *slog.Logger
	metrics *metrics.Collector
	opts    Options
}

func New(opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &API{
		engine:  opts.Engine,
		log:     log.With(slog.String("component", "httpapi")),
		metrics: opts.Metrics,
		opts:    opts,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	if a.opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(structuredLogger(a.log))
	r.Use(recoverer(a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if a.opts.RPS > 0 {
			r.Use(newClientLimiter(a.opts.RPS, a.opts.Burst, a.log).Handler)
		}
		r.Use(limitBody(a.opts.MaxBodyBytes))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/activate", a.handleActivate)
		r.Post("/verify", a.handleVerify)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/create", a.handleAdminCreate)
			r.Post("/burn", a.handleAdminBurn)
			r.Post("/info", a.handleAdminInfo)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, protocol.ErrorReply{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusMethodNotAllowed)
		render.JSON(w, r, protocol.ErrorReply{Error: "method not allowed"})
	})
	return r
}
