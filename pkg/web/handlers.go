package web

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khalidbs/vulnveille/cmd/common"
	"github.com/khalidbs/vulnveille/pkg/excel"
	"github.com/khalidbs/vulnveille/pkg/extract"
)

const maxUploadBytes = 32 << 20

// UploadResult is the per-file outcome shown back on the upload page.
type UploadResult struct {
	Filename   string
	BulletinID string
	CVEs       int
	Clients    []string
	Skipped    bool
	Err        string
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.render(w, "home.html", nil)
}

func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, "upload.html", nil)
}

// handleUpload runs the full pipeline for each uploaded PDF: save, extract
// text, call the AI endpoint, match clients, store rows. Failures are
// per-file; one bad bulletin does not abort the batch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "malformed upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["pdf"]
	if len(files) == 0 {
		http.Error(w, "no PDF file in upload", http.StatusBadRequest)
		return
	}

	results := make([]UploadResult, 0, len(files))
	for _, header := range files {
		result := s.processUpload(r, header)
		results = append(results, result)
	}
	s.render(w, "upload.html", map[string]interface{}{"Results": results})
}

func (s *Server) processUpload(r *http.Request, header *multipart.FileHeader) UploadResult {
	filename := filepath.Base(header.Filename)
	result := UploadResult{Filename: filename}

	path, err := s.saveUpload(header)
	if err != nil {
		result.Err = err.Error()
		return result
	}

	text, err := s.pdfText(path)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	if strings.TrimSpace(text) == "" {
		result.Err = "no text could be extracted from the PDF"
		return result
	}

	bulletin, err := s.extractor.Extract(r.Context(), text)
	if err != nil {
		result.Err = err.Error()
		return result
	}

	bulletinID := extract.BulletinID(filename)
	result.BulletinID = bulletinID
	result.CVEs = len(bulletin.CVEs)

	matches := s.matcher.Match(bulletin.Title)
	if len(matches) == 0 {
		s.log.Info().Str("bulletin", bulletinID).Str("title", bulletin.Title).
			Msg("no client matched, bulletin stored without tracking")
	}

	title := extract.CleanTitle(bulletin.Title)
	today := time.Now().Format("2006-01-02")
	for _, cve := range bulletin.CVEs {
		inserted, err := s.db.InsertVulnerability(common.Vulnerability{
			BulletinID:  bulletinID,
			CVE:         cve,
			Title:       title,
			Description: bulletin.Description,
			CVSSScore:   string(bulletin.CVSSScore),
			Products:    strings.Join(bulletin.AffectedProducts, ", "),
			Mitigation:  strings.Join(bulletin.Mitigation, "\n"),
			References:  strings.Join(bulletin.References, ", "),
		})
		if err != nil {
			result.Err = err.Error()
			return result
		}
		if !inserted {
			result.Skipped = true
		}
		for _, match := range matches {
			if _, err := s.db.InsertTracking(common.Tracking{
				BulletinID: bulletinID,
				CVE:        cve,
				Client:     match.Client,
				Status:     common.StatusOpen,
				Team:       match.Team,
				TreatedOn:  today,
				Comment:    fmt.Sprintf("%s : mail envoyé par le SOC", today),
			}); err != nil {
				result.Err = err.Error()
				return result
			}
		}
	}
	for _, match := range matches {
		result.Clients = append(result.Clients, match.Client)
	}
	return result
}

// saveUpload writes the uploaded PDF under the upload directory with a unique
// prefix, keeping the original name for traceability.
func (s *Server) saveUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	name := uuid.New().String() + "-" + filepath.Base(header.Filename)
	path := filepath.Join(s.uploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	client := strings.TrimSpace(r.URL.Query().Get("client"))
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))

	rows, err := s.db.ListTracked(client, from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("tracker query failed")
		http.Error(w, "listing tracked vulnerabilities failed", http.StatusInternalServerError)
		return
	}
	clients, err := s.db.Clients()
	if err != nil {
		s.log.Error().Err(err).Msg("client list query failed")
		http.Error(w, "listing clients failed", http.StatusInternalServerError)
		return
	}

	s.render(w, "tracker.html", map[string]interface{}{
		"Rows":     rows,
		"Clients":  clients,
		"Statuses": common.Statuses,
		"Selected": client,
		"From":     from,
		"To":       to,
	})
}

func (s *Server) handleTrackerUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid tracking id", http.StatusBadRequest)
		return
	}
	status := r.FormValue("status")
	if !common.ValidStatus(status) {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	err = s.db.UpdateTracking(id, status, r.FormValue("comment"), r.FormValue("treated_on"))
	if err != nil {
		s.log.Error().Err(err).Int64("id", id).Msg("tracking update failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.redirectToTracker(w, r)
}

func (s *Server) handleTrackerDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid tracking id", http.StatusBadRequest)
		return
	}
	if err := s.db.DeleteTracking(id); err != nil {
		s.log.Error().Err(err).Int64("id", id).Msg("tracking delete failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.redirectToTracker(w, r)
}

// handleTrackerDeleteGroup removes every row a client holds for one bulletin,
// across all of its CVEs, then returns to that client's tracker view.
func (s *Server) handleTrackerDeleteGroup(w http.ResponseWriter, r *http.Request) {
	bulletinID := r.FormValue("bulletin_id")
	client := r.FormValue("client")
	if bulletinID == "" || client == "" {
		http.Error(w, "bulletin and client are required", http.StatusBadRequest)
		return
	}
	if err := s.db.DeleteTrackingGroup(bulletinID, client); err != nil {
		s.log.Error().Err(err).Str("bulletin", bulletinID).Str("client", client).
			Msg("tracking group delete failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.redirectToTracker(w, r)
}

// redirectToTracker sends the browser back to the tracker, preserving the
// client scope the edit came from.
func (s *Server) redirectToTracker(w http.ResponseWriter, r *http.Request) {
	target := "/tracker"
	if client := r.FormValue("client"); client != "" {
		target += "?client=" + url.QueryEscape(client)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	client := strings.TrimSpace(r.URL.Query().Get("client"))
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))

	rows, err := s.db.ListTracked(client, from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("export query failed")
		http.Error(w, "export query failed", http.StatusInternalServerError)
		return
	}

	name := "suivi"
	if client != "" {
		name = client
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.xlsx"`, name, time.Now().Format("2006-01-02")))

	if err := excel.Export(w, rows); err != nil {
		// Headers are gone at this point; log and give up on the response.
		s.log.Error().Err(err).Msg("excel export failed")
	}
}
