package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// bulletinIDPattern matches the advisory numbering the SOC uses in filenames,
// e.g. "13112024-12 - Multiples vulnérabilités....pdf".
var bulletinIDPattern = regexp.MustCompile(`^(\d{8}-\d+)`)

// TextFromPDF extracts the plain text of every page of a PDF file.
func TextFromPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read pdf text %s: %w", path, err)
	}
	return buf.String(), nil
}

// BulletinID derives the bulletin identifier from an uploaded filename.
// Falls back to the filename itself when the numbering prefix is absent.
func BulletinID(filename string) string {
	if m := bulletinIDPattern.FindString(filename); m != "" {
		return m
	}
	return strings.TrimSuffix(filename, ".pdf")
}

// Boilerplate words advisory titles carry around the product name, in the two
// languages the bulletins come in.
var titleNoise = []string{
	"multiples", "vulnérabilités", "dans", "les", "une", "vulnérabilité",
	"multiple", "vulnerabilities", "in", "the", "a", "vulnerability",
	"nouvelles", "new", "critical", "critique", "important",
	"modéré", "moderate", "faible", "low",
}

// CleanTitle strips advisory boilerplate from a bulletin title so the product
// name stands on its own. Returns the original title when nothing remains.
func CleanTitle(title string) string {
	words := strings.Fields(title)
	kept := words[:0]
	for _, w := range words {
		noise := false
		for _, n := range titleNoise {
			if strings.EqualFold(strings.Trim(w, ".,;:"), n) {
				noise = true
				break
			}
		}
		if !noise {
			kept = append(kept, w)
		}
	}
	cleaned := strings.Join(kept, " ")
	if cleaned == "" {
		return title
	}
	runes := []rune(cleaned)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
