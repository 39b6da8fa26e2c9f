package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/containerd/errdefs"
	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

// SessionOpener starts or attaches to task runs.
type SessionOpener interface {
	Open(ctx context.Context, taskName, resource string) (*core.Session, error)
}

// Lister returns the resources shown on the pages.
type Lister interface {
	ListContainers(ctx context.Context) ([]schema.Container, error)
	ListImages(ctx context.Context) ([]schema.Image, error)
}

// Server serves the HTML UI, the live streams and metrics.
type Server struct {
	cfg      Config
	sessions SessionOpener
	lister   Lister
	metrics  http.Handler
	basePath string
	baseHref string
}

// NewServer constructs an HTTP server. metrics may be nil.
func NewServer(cfg Config, sessions SessionOpener, lister Lister, metrics http.Handler) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		lister:   lister,
		metrics:  metrics,
		basePath: normalizeBasePath(cfg.BasePath),
		baseHref: buildBaseHref(cfg.BaseURL, cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage("containers"))
	mux.HandleFunc("GET /images", s.handlePage("images"))
	mux.HandleFunc("GET /index.css", s.handleCSS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /components/containers", s.handleContainers)
	mux.HandleFunc("GET /components/images", s.handleImages)
	mux.HandleFunc("GET /components/shared/sse/{name}/{task}", s.handleStreamPane)
	mux.HandleFunc("GET /components/shared/sse/connect/{name}/{task}", s.handleSSE)
	mux.HandleFunc("GET /ws/{name}/{task}", s.handleWebSocket)
	if s.metrics != nil {
		path := s.cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics)
	}

	return mountAt(s.basePath, withRequestLogging(mux))
}

type pageData struct {
	Page       string
	Prefix     string
	BaseHref   string
	Containers []schema.Container
	Images     []schema.Image
	Key        string
	ConnectURL string
}

func (s *Server) data(page string) pageData {
	return pageData{Page: page, Prefix: s.basePath, BaseHref: s.baseHref}
}

func (s *Server) handlePage(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.render(w, r, "page", s.data(page))
	}
}

func (s *Server) handleCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	http.ServeFileFS(w, r, assetsFS, "index.css")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.lister.ListContainers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := s.data("containers")
	data.Containers = containers
	s.render(w, r, "containers", data)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.lister.ListImages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := s.data("images")
	data.Images = images
	s.render(w, r, "images", data)
}

// handleStreamPane renders the output pane that connects to the SSE stream.
func (s *Server) handleStreamPane(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	task, err := schema.ParseTask(r.PathValue("task"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	data := s.data("")
	data.Key = task.Key(name)
	data.ConnectURL = s.basePath + "/components/shared/sse/connect/" + url.PathEscape(name) + "/" + task.String()
	s.render(w, r, "stream", data)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		pslog.Ctx(r.Context()).Error("template render failed", "template", name, "err", err)
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps classified errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := pslog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("http request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		log.Warn("http request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	http.Error(w, "Something went wrong: "+err.Error(), status)
}
