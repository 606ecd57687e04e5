// Package api serves the HTTP surface: workflow save and listing, manual
// runs, hosted forms and webhook triggers.
package api

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowrun/internal/service"
)

//go:embed templates
var content embed.FS

// DefaultAllowedOrigins are the editor origins accepted by CORS.
var DefaultAllowedOrigins = []string{"http://localhost:5173"}

// Deps holds the dependencies for the API server.
type Deps struct {
	Service *service.Service
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string
	// StaticDir, when set, is served at / with index.html as the fallback.
	StaticDir string
	Logger    *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	form    *template.Template
	origins map[string]struct{}
	now     func() time.Time
}

// NewServer creates a Server with parsed templates.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = DefaultAllowedOrigins
	}
	origins := make(map[string]struct{}, len(deps.AllowedOrigins))
	for _, o := range deps.AllowedOrigins {
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &Server{
		deps:    deps,
		form:    template.Must(template.ParseFS(content, "templates/form.html")),
		origins: origins,
		now:     time.Now,
	}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /workflows", s.handleSaveWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecuteWorkflow)
	mux.HandleFunc("GET /workflows/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)

	mux.HandleFunc("GET /forms/{formId}", s.handleFormPage)
	mux.HandleFunc("POST /forms/{formId}/submit", s.handleFormSubmit)
	mux.HandleFunc("POST /request/{webhookId}", s.handleWebhook)

	if s.deps.StaticDir != "" {
		mux.Handle("GET /", s.staticHandler(s.deps.StaticDir))
	}

	return s.withLogging(s.withCORS(mux))
}

// staticHandler serves the editor build, falling back to index.html for
// client-side routes.
func (s *Server) staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	_, anyOrigin := s.origins["*"]
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := s.origins[origin]; ok || anyOrigin {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.deps.Logger.InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
