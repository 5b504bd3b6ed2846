package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/qreport/internal/compose"
	"github.com/TobiSchelling/qreport/internal/config"
	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/freshness"
	"github.com/TobiSchelling/qreport/internal/logger"
	"github.com/TobiSchelling/qreport/internal/scope"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Server is the HTTP server for browsing compiled reports.
type Server struct {
	cfg   *config.Config
	db    *database.DB
	pages map[string]*template.Template
	mux   *chi.Mux
}

// New creates a new Server.
func New(cfg *config.Config, db *database.DB) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"outcome":    compose.OutcomeLabel,
		"uploadTime": database.FormatUploadTime,
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "report.html", "uploads.html", "readiness.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{cfg: cfg, db: db, pages: pages, mux: chi.NewRouter()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(middleware.Heartbeat("/health"))

	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.Get("/", s.handleIndex)
	s.mux.Get("/uploads", s.handleUploads)
	s.mux.Get("/readiness", s.handleReadiness)
	s.mux.Route("/report/{name}", func(r chi.Router) {
		r.Get("/", s.handleReport)
		r.Get("/tables/{table}.json", s.handleTableJSON)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRuns("", 20)
	if err != nil {
		s.fail(w, "loading runs", err)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		s.fail(w, "loading stats", err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Reports": s.cfg.Reports,
		"Runs":    runs,
		"Stats":   stats,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	doc, err := compose.NewComposer(s.db).ComposeReport(name)
	if err != nil {
		s.fail(w, "composing report", err)
		return
	}
	tables, err := s.db.GetReportTables(name)
	if err != nil {
		s.fail(w, "loading tables", err)
		return
	}

	s.render(w, "report.html", map[string]any{
		"Name":     name,
		"Document": doc,
		"Tables":   tables,
	})
}

func (s *Server) handleTableJSON(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetReportTable(chi.URLParam(r, "name"), chi.URLParam(r, "table"))
	if err != nil {
		s.fail(w, "loading table", err)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(t.Data)
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.db.GetUploadHistory(100)
	if err != nil {
		s.fail(w, "loading uploads", err)
		return
	}
	s.render(w, "uploads.html", map[string]any{
		"Uploads": uploads,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.cfg.DefaultReport()
	if name := r.URL.Query().Get("report"); name != "" {
		found, err := s.cfg.Report(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		report = found
	}
	if report == nil {
		http.Error(w, "no reports configured", http.StatusNotFound)
		return
	}

	cutoff := scope.Date(time.Now().UTC())
	if v := r.URL.Query().Get("cutoff"); v != "" {
		parsed, err := scope.ParseCutoff(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cutoff = parsed
	}

	policy := freshness.Policy{StaleOnBoundary: s.cfg.StaleOnBoundary()}
	res, err := freshness.Check(s.db, report.Name, cutoff, report.ToleranceDays, report.RequiredAliases, policy)
	if err != nil {
		s.fail(w, "checking readiness", err)
		return
	}

	s.render(w, "readiness.html", map[string]any{
		"Report":   report.Name,
		"Cutoff":   cutoff.Format("2006-01-02"),
		"Scope":    scope.Resolve(cutoff).Display(),
		"Document": compose.Readiness(res),
		"Ready":    res.Ready,
	})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	logger.Named("http").Error().Err(err).Msg(what)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	log := logger.Named("http")
	tmpl, ok := s.pages[name]
	if !ok {
		log.Error().Str("template", name).Msg("template not found")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("rendering template")
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(cfg *config.Config, db *database.DB, port int) error {
	srv, err := New(cfg, db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	logger.Named("http").Info().Str("addr", "http://"+addr).Msg("server listening")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpSrv.ListenAndServe()
}
