package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/khalidbs/vulnveille/pkg/database"
	"github.com/khalidbs/vulnveille/pkg/extract"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Server holds the HTTP surface: three HTML pages, the tracker mutations and
// the Excel export.
type Server struct {
	db        database.Database
	extractor extract.Extractor
	matcher   *extract.Matcher
	uploadDir string
	log       zerolog.Logger
	tmpl      *template.Template
	router    *mux.Router

	// pdfText is swapped out by handler tests.
	pdfText func(path string) (string, error)
}

// New builds a Server and its route table. uploadDir is created if missing;
// uploaded PDFs are kept there for audit.
func New(db database.Database, extractor extract.Extractor, matcher *extract.Matcher, uploadDir string, log zerolog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	s := &Server{
		db:        db,
		extractor: extractor,
		matcher:   matcher,
		uploadDir: uploadDir,
		log:       log,
		tmpl:      tmpl,
		pdfText:   extract.TextFromPDF,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUploadForm).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/tracker", s.handleTracker).Methods(http.MethodGet)
	r.HandleFunc("/tracker/update", s.handleTrackerUpdate).Methods(http.MethodPost)
	r.HandleFunc("/tracker/delete", s.handleTrackerDelete).Methods(http.MethodPost)
	r.HandleFunc("/tracker/delete-group", s.handleTrackerDeleteGroup).Methods(http.MethodPost)
	r.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	s.router = r

	return s, nil
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("template render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
