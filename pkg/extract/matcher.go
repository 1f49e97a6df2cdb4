package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultTeam handles matched vulnerabilities when the lookup table names no
// responsible team for a product.
const DefaultTeam = "SOC Team"

// TableEntry is one product in the JSON lookup table.
type TableEntry struct {
	Product string   `json:"product"`
	Clients []string `json:"clients"`
	Team    string   `json:"team"`
}

// Match is a client affected by a bulletin, with the team responsible for
// resolving it there.
type Match struct {
	Client string
	Team   string
}

// Matcher resolves bulletin titles to affected clients through a static
// product→clients table loaded from a JSON file. The file is re-read when
// fsnotify reports a change, so the table can be edited without a restart.
type Matcher struct {
	path string

	mu      sync.RWMutex
	entries []TableEntry

	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// NewMatcher loads the lookup table from path.
func NewMatcher(path string, log zerolog.Logger) (*Matcher, error) {
	m := &Matcher{path: path, log: log}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the table file. The previous table stays in place when the
// file is unreadable or malformed.
func (m *Matcher) Reload() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read matching table %s: %w", m.path, err)
	}
	var entries []TableEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse matching table %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}

// Watch reloads the table whenever the file changes. Runs until Close.
func (m *Matcher) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.Reload(); err != nil {
					m.log.Error().Err(err).Msg("matching table reload failed, keeping previous table")
					continue
				}
				m.log.Info().Str("file", event.Name).Msg("matching table reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Error().Err(err).Msg("matching table watcher error")
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if one was started.
func (m *Matcher) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Match returns the clients whose products appear in the bulletin title.
// Matching is a case-insensitive substring test; each client appears at most
// once, on its first matching product.
func (m *Matcher) Match(title string) []Match {
	m.mu.RLock()
	defer m.mu.RUnlock()

	titleLower := strings.ToLower(title)
	seen := make(map[string]bool)
	var matches []Match
	for _, entry := range m.entries {
		product := strings.ToLower(strings.TrimSpace(entry.Product))
		if product == "" || !strings.Contains(titleLower, product) {
			continue
		}
		team := entry.Team
		if team == "" {
			team = DefaultTeam
		}
		for _, client := range entry.Clients {
			if client == "" || seen[client] {
				continue
			}
			seen[client] = true
			matches = append(matches, Match{Client: client, Team: team})
		}
	}
	return matches
}
