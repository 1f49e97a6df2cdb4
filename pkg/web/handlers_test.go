package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/khalidbs/vulnveille/cmd/common"
	"github.com/khalidbs/vulnveille/pkg/database"
	"github.com/khalidbs/vulnveille/pkg/excel"
	"github.com/khalidbs/vulnveille/pkg/extract"
)

// fakeExtractor returns a canned bulletin, or an error.
type fakeExtractor struct {
	bulletin *common.Bulletin
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (*common.Bulletin, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bulletin, nil
}

func fortinetBulletin() *common.Bulletin {
	return &common.Bulletin{
		Title:            "Multiples vulnérabilités dans les produits Fortinet",
		CVEs:             []string{"CVE-2024-0001", "CVE-2024-0002"},
		Date:             "2024-11-13",
		Description:      "Remote code execution.",
		CVSSScore:        "9.8",
		AffectedProducts: []string{"FortiOS 7.x"},
		Mitigation:       []string{"Upgrade to FortiOS 7.4.4"},
		References:       []string{"https://fortiguard.com/psirt/FG-IR-24-001"},
	}
}

func newTestServer(t *testing.T, extractor extract.Extractor) (*Server, *database.SQLiteDatabase) {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open("sqlite", filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table := `[{"product": "Fortinet", "clients": ["ACME"], "team": "Network Team"}]`
	tablePath := filepath.Join(dir, "clients.json")
	require.NoError(t, os.WriteFile(tablePath, []byte(table), 0644))
	matcher, err := extract.NewMatcher(tablePath, zerolog.Nop())
	require.NoError(t, err)

	srv, err := New(db, extractor, matcher, filepath.Join(dir, "uploads"), zerolog.Nop())
	require.NoError(t, err)
	srv.pdfText = func(path string) (string, error) { return "bulletin text", nil }
	return srv, db
}

func multipartPDF(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("pdf", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, "%PDF-1.4 fake")
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestUploadStoresVulnerabilitiesAndTracking(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{bulletin: fortinetBulletin()})

	body, contentType := multipartPDF(t, "13112024-12 - Multiples vulnérabilités Fortinet.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stored")
	assert.Contains(t, rec.Body.String(), "ACME")

	v, err := db.GetVulnerability("13112024-12", "CVE-2024-0001")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "Produits Fortinet", v.Title)

	rows, err := db.ListTracked("ACME", "", "")
	require.NoError(t, err)
	// One tracking row per CVE for the matched client.
	require.Len(t, rows, 2)
	assert.Equal(t, common.StatusOpen, rows[0].Status)
	assert.Equal(t, "Network Team", rows[0].Team)
}

func TestUploadExtractionFailureIsSurfaced(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{err: fmt.Errorf("extraction failed with all configured keys")})

	body, contentType := multipartPDF(t, "13112024-12 - Fortinet.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "extraction failed")

	rows, err := db.ListTracked("", "", "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUploadWithoutFile(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExtractor{bulletin: fortinetBulletin()})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedTracking(t *testing.T, db *database.SQLiteDatabase) int64 {
	t.Helper()
	_, err := db.InsertVulnerability(common.Vulnerability{
		BulletinID: "13112024-12", CVE: "CVE-2024-0001",
		Title: "Fortinet FortiOS", CVSSScore: "9.8",
	})
	require.NoError(t, err)
	_, err = db.InsertTracking(common.Tracking{
		BulletinID: "13112024-12", CVE: "CVE-2024-0001",
		Client: "ACME", Team: "Network Team", TreatedOn: "2024-11-13",
	})
	require.NoError(t, err)
	rows, err := db.ListTracked("", "", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].ID
}

func TestTrackerListsRows(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})
	seedTracking(t, db)

	req := httptest.NewRequest(http.MethodGet, "/tracker?client=ACME", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "13112024-12")
	assert.Contains(t, rec.Body.String(), "CVE-2024-0001")
	assert.Contains(t, rec.Body.String(), "Fortinet FortiOS")
}

func TestTrackerUpdate(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})
	id := seedTracking(t, db)

	form := url.Values{
		"id":         {fmt.Sprint(id)},
		"status":     {common.StatusWIP},
		"comment":    {"patch scheduled"},
		"treated_on": {"2024-11-20"},
		"client":     {"ACME"},
	}
	req := httptest.NewRequest(http.MethodPost, "/tracker/update", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/tracker?client=ACME", rec.Header().Get("Location"))

	tracking, err := db.GetTracking(id)
	require.NoError(t, err)
	assert.Equal(t, common.StatusWIP, tracking.Status)
	assert.Equal(t, "patch scheduled", tracking.Comment)
	assert.Equal(t, "2024-11-20", tracking.TreatedOn)
}

func TestTrackerUpdateRejectsUnknownStatus(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})
	id := seedTracking(t, db)

	form := url.Values{"id": {fmt.Sprint(id)}, "status": {"Resolved"}}
	req := httptest.NewRequest(http.MethodPost, "/tracker/update", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackerDelete(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})
	id := seedTracking(t, db)

	form := url.Values{"id": {fmt.Sprint(id)}}
	req := httptest.NewRequest(http.MethodPost, "/tracker/delete", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)

	tracking, err := db.GetTracking(id)
	require.NoError(t, err)
	assert.Nil(t, tracking)
}

func TestTrackerDeleteGroup(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})

	// One bulletin tracked for two clients across two CVEs.
	for _, cve := range []string{"CVE-2024-0001", "CVE-2024-0002"} {
		_, err := db.InsertVulnerability(common.Vulnerability{
			BulletinID: "13112024-12", CVE: cve,
			Title: "Fortinet FortiOS", CVSSScore: "9.8",
		})
		require.NoError(t, err)
		for _, client := range []string{"ACME", "Globex"} {
			_, err := db.InsertTracking(common.Tracking{
				BulletinID: "13112024-12", CVE: cve,
				Client: client, Team: "Network Team", TreatedOn: "2024-11-13",
			})
			require.NoError(t, err)
		}
	}

	form := url.Values{"bulletin_id": {"13112024-12"}, "client": {"ACME"}}
	req := httptest.NewRequest(http.MethodPost, "/tracker/delete-group", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/tracker?client=ACME", rec.Header().Get("Location"))

	// Both of ACME's rows are gone, Globex's are untouched.
	rows, err := db.ListTracked("ACME", "", "")
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = db.ListTracked("Globex", "", "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTrackerDeleteGroupRequiresBulletinAndClient(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExtractor{})

	form := url.Values{"bulletin_id": {"13112024-12"}}
	req := httptest.NewRequest(http.MethodPost, "/tracker/delete-group", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportRowCountMatchesQuery(t *testing.T) {
	srv, db := newTestServer(t, &fakeExtractor{})
	seedTracking(t, db)

	req := httptest.NewRequest(http.MethodGet, "/export?client=ACME", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "ACME")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(excel.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 2) // header + the one tracked row

	// A filter matching nothing exports only the header.
	req = httptest.NewRequest(http.MethodGet, "/export?client=Globex", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	f2, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f2.Close()
	rows, err = f2.GetRows(excel.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeExtractor{})

	req := httptest.NewRequest(http.MethodDelete, "/tracker", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
