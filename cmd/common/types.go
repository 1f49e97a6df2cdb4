package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tracking statuses. Open is the default for freshly matched records.
const (
	StatusOpen    = "Open"
	StatusWIP     = "WIP"
	StatusPending = "Pending"
	StatusClosed  = "Closed"
)

// Statuses lists every valid tracking status, in display order.
var Statuses = []string{StatusOpen, StatusWIP, StatusPending, StatusClosed}

// ValidStatus reports whether s is one of the known tracking statuses.
func ValidStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Vulnerability is one (bulletin, CVE) row extracted from a PDF bulletin.
// Immutable once stored; per-client state lives in Tracking.
type Vulnerability struct {
	BulletinID  string    `db:"bulletin_id"`
	CVE         string    `db:"cve_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	CVSSScore   string    `db:"cvss_score"`
	Products    string    `db:"products"`
	Mitigation  string    `db:"mitigation"`
	References  string    `db:"refs"`
	ExtractedAt time.Time `db:"extracted_at"`
}

// Tracking is the per-client status overlay on a vulnerability.
type Tracking struct {
	ID         int64  `db:"id"`
	BulletinID string `db:"bulletin_id"`
	CVE        string `db:"cve_id"`
	Client     string `db:"client"`
	Status     string `db:"status"`
	Team       string `db:"team"`
	TreatedOn  string `db:"treated_on"` // YYYY-MM-DD
	Comment    string `db:"comment"`
}

// TrackedVuln is a tracking row joined with its vulnerability, as listed on
// the tracker page and written to the Excel export.
type TrackedVuln struct {
	Tracking
	Title       string `db:"title"`
	Description string `db:"description"`
	CVSSScore   string `db:"cvss_score"`
	Products    string `db:"products"`
	Mitigation  string `db:"mitigation"`
	References  string `db:"refs"`
}

// Score is a CVSS score as the model emits it: usually a JSON string, but
// often a bare number.
type Score string

// UnmarshalJSON accepts both forms.
func (s *Score) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Score(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("cvss_score is neither a string nor a number")
	}
	*s = Score(num.String())
	return nil
}

// Bulletin is the structured result of the AI extraction step, before it is
// flattened into Vulnerability rows.
type Bulletin struct {
	Title            string   `json:"title"`
	CVEs             []string `json:"cves"`
	Date             string   `json:"date"`
	Description      string   `json:"description"`
	CVSSScore        Score    `json:"cvss_score"`
	AffectedProducts []string `json:"affected_products"`
	Mitigation       []string `json:"mitigation"`
	References       []string `json:"reference"`
}

// Trim strips surrounding whitespace from every string field, including list
// elements, and drops list elements that end up empty.
func (b *Bulletin) Trim() {
	b.Title = strings.TrimSpace(b.Title)
	b.Date = strings.TrimSpace(b.Date)
	b.Description = strings.TrimSpace(b.Description)
	b.CVSSScore = Score(strings.TrimSpace(string(b.CVSSScore)))
	b.CVEs = trimList(b.CVEs)
	b.AffectedProducts = trimList(b.AffectedProducts)
	b.Mitigation = trimList(b.Mitigation)
	b.References = trimList(b.References)
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects extraction results that cannot become vulnerability rows.
func (b *Bulletin) Validate() error {
	if b.Title == "" {
		return fmt.Errorf("extracted bulletin has no title")
	}
	if len(b.CVEs) == 0 {
		return fmt.Errorf("extracted bulletin %q has no CVE identifiers", b.Title)
	}
	return nil
}
