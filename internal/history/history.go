package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iishyfishyy/fewshot/internal/config"
	"github.com/iishyfishyy/fewshot/internal/experiment"
)

const (
	HistoryFileName = "history.json"
)

// Entry represents a single run of the experiment grid
type Entry struct {
	RunID      string          `json:"run_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Experiment string          `json:"experiment,omitempty"`
	Output     string          `json:"output"`
	Grid       experiment.Grid `json:"grid"`
	Persisted  int             `json:"persisted"`
	Failed     int             `json:"failed"`
	Pending    int             `json:"pending"`
	Aborted    bool            `json:"aborted,omitempty"`
}

// History is the ledger of past runs
type History struct {
	Entries []Entry `json:"entries"`
}

// GetHistoryPath returns the path to the history file
func GetHistoryPath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, HistoryFileName), nil
}

// Load reads the history from disk
func Load() (*History, error) {
	historyPath, err := GetHistoryPath()
	if err != nil {
		return nil, err
	}

	// If history doesn't exist, return empty history
	if _, err := os.Stat(historyPath); os.IsNotExist(err) {
		return &History{Entries: []Entry{}}, nil
	}

	data, err := os.ReadFile(historyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var hist History
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}

	return &hist, nil
}

// Save writes the history to disk
func (h *History) Save() error {
	historyPath, err := GetHistoryPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(historyPath), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	return nil
}

// AddEntry adds a new entry to the history
func (h *History) AddEntry(entry Entry) {
	h.Entries = append(h.Entries, entry)
}

// Recent returns up to n entries, newest first. n <= 0 returns all of them.
func (h *History) Recent(n int) []Entry {
	if n <= 0 || n > len(h.Entries) {
		n = len(h.Entries)
	}
	out := make([]Entry, 0, n)
	for i := len(h.Entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.Entries[i])
	}
	return out
}

// Find returns the entry of a run, matching a full ID or a unique prefix.
func (h *History) Find(id string) (Entry, bool) {
	var found []Entry
	for _, e := range h.Entries {
		if e.RunID == id {
			return e, true
		}
		if len(id) >= 4 && len(e.RunID) > len(id) && e.RunID[:len(id)] == id {
			found = append(found, e)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return Entry{}, false
}

// NewEntry creates a history entry from a finished or aborted run
func NewEntry(experimentFile, output string, summary *experiment.Summary, aborted bool) Entry {
	return Entry{
		RunID:      summary.Info.ID,
		Timestamp:  summary.Info.StartedAt,
		Experiment: experimentFile,
		Output:     output,
		Grid:       summary.Info.Grid,
		Persisted:  summary.Count(experiment.StatusPersisted),
		Failed:     summary.Count(experiment.StatusFailed),
		Pending:    summary.Count(experiment.StatusPending),
		Aborted:    aborted,
	}
}
