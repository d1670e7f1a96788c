// Package server exposes the guide pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/CWD273/cwdepg/internal/config"
	"github.com/CWD273/cwdepg/internal/lookupcache"
	"github.com/CWD273/cwdepg/internal/metrics"
	"github.com/CWD273/cwdepg/internal/pipeline"
	"github.com/CWD273/cwdepg/internal/playlist"
	"github.com/CWD273/cwdepg/internal/safeurl"
)

const cacheControl = "public, max-age=1800"

// Builder produces one XMLTV document; *pipeline.Pipeline satisfies it.
type Builder interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type Server struct {
	Addr          string
	Builder       Builder
	PlaylistURL   string // used when the request has no m3u override
	AllowOverride bool
	DefaultDays   int
	// Documents caches rendered XMLTV per (playlist, days). nil disables it.
	Documents   *lookupcache.Cache[[]byte]
	RateLimiter *IPRateLimiter // nil = unlimited
	Metrics     *metrics.Metrics

	healthMu    sync.RWMutex
	lastBuild   time.Time
	lastResult  pipeline.Result
	lastFailure string
}

// New returns a Server from cfg. Documents are cached for cfg.DocumentTTL.
func New(cfg *config.Config, b Builder, m *metrics.Metrics) *Server {
	s := &Server{
		Addr:          cfg.ListenAddr,
		Builder:       b,
		PlaylistURL:   cfg.PlaylistURL,
		AllowOverride: cfg.AllowPlaylistOverride,
		DefaultDays:   cfg.DefaultDays,
		Metrics:       m,
	}
	if cfg.DocumentTTL > 0 {
		var opts []lookupcache.Option
		if m != nil {
			opts = append(opts, lookupcache.WithObserver(m.CacheObserver("document")))
		}
		s.Documents = lookupcache.New[[]byte](cfg.DocumentTTL, opts...)
	}
	if cfg.RateLimitPerIP > 0 {
		s.RateLimiter = NewIPRateLimiter(cfg.RateLimitPerIP, cfg.RateLimitBurst)
		s.RateLimiter.TrustProxyHeaders = cfg.TrustProxyHeaders
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	guide := http.Handler(http.HandlerFunc(s.serveGuide))
	if s.RateLimiter != nil {
		guide = s.RateLimiter.Middleware(guide)
	}
	for _, path := range []string{"/api/epg", "/epg.xml", "/guide.xml"} {
		r.Handle(path, guide).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	r.Use(withRequestID, logRequests, withRouteTag)
	return otelhttp.NewHandler(r, "cwdepg")
}

// Run blocks until ctx is cancelled or the listener fails. On shutdown it stops
// accepting connections and waits briefly for in-flight builds.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	if s.Documents != nil {
		s.Documents.StartSweeper(ctx, time.Minute)
	}
	if s.RateLimiter != nil {
		go s.RateLimiter.Cleanup(ctx, time.Minute, 10*time.Minute)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (playlist %s)", addr, safeurl.Redact(s.PlaylistURL))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) serveGuide(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	playlistURL := s.PlaylistURL
	if raw := q.Get("m3u"); raw != "" && s.AllowOverride {
		u, err := safeurl.Validate(raw)
		if err != nil {
			writeText(w, http.StatusBadRequest, "Invalid m3u URL")
			return
		}
		playlistURL = u
	}
	days := config.ParseDays(q.Get("days"), s.DefaultDays)

	key := playlistURL + "|" + strconv.Itoa(days)
	if s.Documents != nil {
		if doc, ok := s.Documents.Get(key); ok {
			writeXML(w, r, doc)
			return
		}
	}

	res, err := s.Builder.Run(r.Context(), pipeline.Request{PlaylistURL: playlistURL, Days: days})
	if err != nil {
		s.recordFailure(err)
		id := RequestID(r.Context())
		if errors.Is(err, playlist.ErrUpstream) {
			log.Printf("request %s: playlist fetch failed: %v", id, err)
			writeText(w, http.StatusBadGateway, "Failed to fetch M3U from "+safeurl.Redact(playlistURL))
			return
		}
		log.Printf("request %s: guide build failed: %v", id, err)
		writeText(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.recordSuccess(res)
	if s.Documents != nil {
		s.Documents.Set(key, res.XML)
	}
	writeXML(w, r, res.XML)
}

func writeXML(w http.ResponseWriter, r *http.Request, doc []byte) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", cacheControl)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	zw := brotli.HTTPCompressor(w, r)
	if _, err := zw.Write(doc); err != nil {
		log.Printf("request %s: write response: %v", RequestID(r.Context()), err)
	}
	if err := zw.Close(); err != nil {
		log.Printf("request %s: close response: %v", RequestID(r.Context()), err)
	}
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

func (s *Server) recordSuccess(res *pipeline.Result) {
	s.healthMu.Lock()
	s.lastBuild = time.Now()
	s.lastResult = *res
	s.lastResult.XML = nil
	s.lastFailure = ""
	s.healthMu.Unlock()
}

func (s *Server) recordFailure(err error) {
	s.healthMu.Lock()
	s.lastFailure = err.Error()
	s.healthMu.Unlock()
}

// serveHealth reports liveness plus the outcome of the most recent build.
func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	s.healthMu.RLock()
	body := map[string]any{
		"status":     "ok",
		"channels":   s.lastResult.Channels,
		"mapped":     s.lastResult.Mapped,
		"programmes": s.lastResult.Programmes,
	}
	if !s.lastBuild.IsZero() {
		body["last_build"] = s.lastBuild.UTC().Format(time.RFC3339)
	}
	if s.lastFailure != "" {
		body["last_error"] = s.lastFailure
	}
	s.healthMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
